// Package dispatch routes decoded frames to replaceable handlers, per
// the core's callback-table redesign: instead of a table of nullable
// function pointers with manual default-chaining, each message variant
// is a method on the Handlers interface, and a Dispatcher holds one
// atomic.Value-backed slot per variant so registration is atomic and a
// nil registration restores the package's safe default.
package dispatch

import (
	"sync/atomic"

	"github.com/pgfixture/pgfixture/internal/respbuilder"
	"github.com/pgfixture/pgfixture/internal/session"
	"github.com/pgfixture/pgfixture/internal/wire"
)

// Result is a handler's verdict on what the reactor should do next.
type Result int

const (
	// Continue means keep the session open and proceed to the next frame.
	Continue Result = iota
	// FatalSession means close the connection after flushing the write buffer.
	FatalSession
	// AppError means the handler (or the dispatcher's own field decoding)
	// has already written an ErrorResponse to sess.Out for this message.
	// The reactor moves an InExtended session to ErrorExtended, which
	// discards every subsequent extended-query message until the next
	// Sync; a Ready session's simple-query error needs no latch, since
	// Sync has no meaning there.
	AppError
)

// StartupParams carries the decoded StartupMessage parameter pairs.
type StartupParams struct {
	User     string
	Database string
	Raw      map[string]string
}

// Handlers is the full set of per-variant callbacks a dispatcher
// invokes. One method per message variant named in the handler
// contract; embedding DefaultHandlers supplies a safe implementation
// for any method an application doesn't need to override.
type Handlers interface {
	Startup(sess *session.Session, params StartupParams) Result
	Password(sess *session.Session, response []byte) Result
	Query(sess *session.Session, text string) Result
	Parse(sess *session.Session, stmtName, sql string, paramOIDs []int32) Result
	Bind(sess *session.Session, portalName, stmtName string, paramFormats []int16, params [][]byte, resultFormats []int16) Result
	Describe(sess *session.Session, kind byte, name string) Result
	Execute(sess *session.Session, portalName string, maxRows int32) Result
	Close(sess *session.Session, kind byte, name string) Result
	Sync(sess *session.Session) Result
	Cancel(pid, secret uint32) Result
	SSLRequest(sess *session.Session) Result
	Unknown(sess *session.Session, msgType byte, payload []byte) Result
}

// DefaultHandlers implements Handlers with the safe, minimal-conformant
// defaults from the dispatcher's default table. Embed it and override
// only the methods an application needs.
type DefaultHandlers struct{}

// Startup's default is trust authentication: it promotes the session
// straight to Ready, skipping the PasswordMessage round entirely. Real
// deployments override this to consult an Authenticator (see
// internal/auth) and write an AuthenticationRequest sub-type instead,
// leaving the session in AwaitAuth for the reactor to route the next
// PasswordMessage to Password. The reactor — not this handler — is
// responsible for emitting the AuthenticationOk/ParameterStatus/
// BackendKeyData/ReadyForQuery tail once it observes the session reach
// Ready, so every Authenticator's success path shares one frame
// sequence no matter how many rounds it took to get there.
func (DefaultHandlers) Startup(sess *session.Session, params StartupParams) Result {
	sess.SetState(session.Ready)
	return Continue
}

// Password's default accepts any credential and promotes to Ready. See
// internal/auth for the pluggable collaborator this exists to be
// replaced by; a real Authenticator calls FatalSession here on a
// rejected credential instead.
func (DefaultHandlers) Password(sess *session.Session, response []byte) Result {
	sess.SetState(session.Ready)
	return Continue
}

// Query's default emits a single EmptyQueryResponse for every query
// text, per the resolved reading of the dispatcher's default table
// against the literal happy-path scenario (7-frame count).
func (DefaultHandlers) Query(sess *session.Session, text string) Result {
	respbuilder.EmptyQueryResponse(&sess.Out)
	return Continue
}

// Parse's default acknowledges with ParseComplete and records the
// statement so Describe/Bind/Execute have something to look up.
func (DefaultHandlers) Parse(sess *session.Session, stmtName, sql string, paramOIDs []int32) Result {
	sess.SetStatement(&session.PreparedStatement{Name: stmtName, SQL: sql, ParamOIDs: paramOIDs})
	respbuilder.ParseComplete(&sess.Out)
	return Continue
}

// Bind's default acknowledges with BindComplete and records the portal.
func (DefaultHandlers) Bind(sess *session.Session, portalName, stmtName string, paramFormats []int16, params [][]byte, resultFormats []int16) Result {
	sess.SetPortal(&session.Portal{
		Name:          portalName,
		Statement:     stmtName,
		ParamFormats:  paramFormats,
		Params:        params,
		ResultFormats: resultFormats,
	})
	respbuilder.BindComplete(&sess.Out)
	return Continue
}

// Describe's default reports NoData, for either statement or portal
// description.
func (DefaultHandlers) Describe(sess *session.Session, kind byte, name string) Result {
	respbuilder.NoData(&sess.Out)
	return Continue
}

// Execute's default completes immediately with no rows.
func (DefaultHandlers) Execute(sess *session.Session, portalName string, maxRows int32) Result {
	respbuilder.CommandComplete(&sess.Out, "SELECT 0")
	return Continue
}

// Close's default acknowledges with CloseComplete and removes the
// named statement or portal.
func (DefaultHandlers) Close(sess *session.Session, kind byte, name string) Result {
	switch kind {
	case 'S':
		sess.CloseStatement(name)
	case 'P':
		sess.ClosePortal(name)
	}
	respbuilder.CloseComplete(&sess.Out)
	return Continue
}

// Sync's default has no effect beyond the FSM's own ReadyForQuery.
func (DefaultHandlers) Sync(sess *session.Session) Result {
	return Continue
}

// Cancel's default has no application-level effect; the reactor itself
// performs the lookup-and-flag-set against the live-session registry
// before this is ever invoked, since Cancel has no session of its own.
func (DefaultHandlers) Cancel(pid, secret uint32) Result {
	return Continue
}

// SSLRequest's default declines: reply 'N', SSL unsupported by the core.
func (DefaultHandlers) SSLRequest(sess *session.Session) Result {
	respbuilder.SSLUnsupported(&sess.Out)
	return Continue
}

// Unknown's default rejects with a protocol-violation ErrorResponse.
func (DefaultHandlers) Unknown(sess *session.Session, msgType byte, payload []byte) Result {
	respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", "unrecognized message type")
	return Continue
}

// slot indexes identify each replaceable callback.
type slot int

const (
	slotStartup slot = iota
	slotPassword
	slotQuery
	slotParse
	slotBind
	slotDescribe
	slotExecute
	slotClose
	slotSync
	slotCancel
	slotSSLRequest
	slotUnknown
	numSlots
)

// Dispatcher routes decoded frames to the registered handler for each
// message variant, falling back to defaultHandlers when a slot has no
// override. Each slot is independently atomic: registering or
// resetting one variant never disturbs another, and a reader never
// observes a half-updated Handlers value.
type Dispatcher struct {
	defaults Handlers
	slots    [numSlots]atomicHandlers
}

// atomicHandlers stores a possibly-nil handler function under a boxed
// interface — atomic.Value requires every stored value to share a
// concrete type, so each slot boxes its own function type.
type atomicHandlers struct {
	v atomic.Value
}

// New returns a Dispatcher whose every slot starts at the default
// implementation.
func New(defaults Handlers) *Dispatcher {
	if defaults == nil {
		defaults = DefaultHandlers{}
	}
	return &Dispatcher{defaults: defaults}
}

// Register installs every method of h into its slot, including the
// ones h inherits from an embedded DefaultHandlers — in practice callers register one
// variant at a time via the Set* methods below, since Go has no way to
// ask "which methods did you actually override." The Set* methods are
// the real registration surface; Register is a convenience for
// wholesale replacement of every slot with the same value.
func (d *Dispatcher) Register(h Handlers) {
	d.SetStartup(h.Startup)
	d.SetPassword(h.Password)
	d.SetQuery(h.Query)
	d.SetParse(h.Parse)
	d.SetBind(h.Bind)
	d.SetDescribe(h.Describe)
	d.SetExecute(h.Execute)
	d.SetClose(h.Close)
	d.SetSync(h.Sync)
	d.SetCancel(h.Cancel)
	d.SetSSLRequest(h.SSLRequest)
	d.SetUnknown(h.Unknown)
}

func (d *Dispatcher) startupFn() func(*session.Session, StartupParams) Result {
	if f, ok := d.slots[slotStartup].v.Load().(func(*session.Session, StartupParams) Result); ok && f != nil {
		return f
	}
	return d.defaults.Startup
}

// SetStartup atomically replaces the startup handler, or restores the
// default when fn is nil.
func (d *Dispatcher) SetStartup(fn func(*session.Session, StartupParams) Result) {
	d.slots[slotStartup].v.Store(fn)
}

func (d *Dispatcher) passwordFn() func(*session.Session, []byte) Result {
	if f, ok := d.slots[slotPassword].v.Load().(func(*session.Session, []byte) Result); ok && f != nil {
		return f
	}
	return d.defaults.Password
}

func (d *Dispatcher) SetPassword(fn func(*session.Session, []byte) Result) {
	d.slots[slotPassword].v.Store(fn)
}

func (d *Dispatcher) queryFn() func(*session.Session, string) Result {
	if f, ok := d.slots[slotQuery].v.Load().(func(*session.Session, string) Result); ok && f != nil {
		return f
	}
	return d.defaults.Query
}

func (d *Dispatcher) SetQuery(fn func(*session.Session, string) Result) {
	d.slots[slotQuery].v.Store(fn)
}

func (d *Dispatcher) parseFn() func(*session.Session, string, string, []int32) Result {
	if f, ok := d.slots[slotParse].v.Load().(func(*session.Session, string, string, []int32) Result); ok && f != nil {
		return f
	}
	return d.defaults.Parse
}

func (d *Dispatcher) SetParse(fn func(*session.Session, string, string, []int32) Result) {
	d.slots[slotParse].v.Store(fn)
}

func (d *Dispatcher) bindFn() func(*session.Session, string, string, []int16, [][]byte, []int16) Result {
	if f, ok := d.slots[slotBind].v.Load().(func(*session.Session, string, string, []int16, [][]byte, []int16) Result); ok && f != nil {
		return f
	}
	return d.defaults.Bind
}

func (d *Dispatcher) SetBind(fn func(*session.Session, string, string, []int16, [][]byte, []int16) Result) {
	d.slots[slotBind].v.Store(fn)
}

func (d *Dispatcher) describeFn() func(*session.Session, byte, string) Result {
	if f, ok := d.slots[slotDescribe].v.Load().(func(*session.Session, byte, string) Result); ok && f != nil {
		return f
	}
	return d.defaults.Describe
}

func (d *Dispatcher) SetDescribe(fn func(*session.Session, byte, string) Result) {
	d.slots[slotDescribe].v.Store(fn)
}

func (d *Dispatcher) executeFn() func(*session.Session, string, int32) Result {
	if f, ok := d.slots[slotExecute].v.Load().(func(*session.Session, string, int32) Result); ok && f != nil {
		return f
	}
	return d.defaults.Execute
}

func (d *Dispatcher) SetExecute(fn func(*session.Session, string, int32) Result) {
	d.slots[slotExecute].v.Store(fn)
}

func (d *Dispatcher) closeFn() func(*session.Session, byte, string) Result {
	if f, ok := d.slots[slotClose].v.Load().(func(*session.Session, byte, string) Result); ok && f != nil {
		return f
	}
	return d.defaults.Close
}

func (d *Dispatcher) SetClose(fn func(*session.Session, byte, string) Result) {
	d.slots[slotClose].v.Store(fn)
}

func (d *Dispatcher) syncFn() func(*session.Session) Result {
	if f, ok := d.slots[slotSync].v.Load().(func(*session.Session) Result); ok && f != nil {
		return f
	}
	return d.defaults.Sync
}

func (d *Dispatcher) SetSync(fn func(*session.Session) Result) {
	d.slots[slotSync].v.Store(fn)
}

func (d *Dispatcher) cancelFn() func(uint32, uint32) Result {
	if f, ok := d.slots[slotCancel].v.Load().(func(uint32, uint32) Result); ok && f != nil {
		return f
	}
	return d.defaults.Cancel
}

func (d *Dispatcher) SetCancel(fn func(uint32, uint32) Result) {
	d.slots[slotCancel].v.Store(fn)
}

func (d *Dispatcher) sslRequestFn() func(*session.Session) Result {
	if f, ok := d.slots[slotSSLRequest].v.Load().(func(*session.Session) Result); ok && f != nil {
		return f
	}
	return d.defaults.SSLRequest
}

func (d *Dispatcher) SetSSLRequest(fn func(*session.Session) Result) {
	d.slots[slotSSLRequest].v.Store(fn)
}

func (d *Dispatcher) unknownFn() func(*session.Session, byte, []byte) Result {
	if f, ok := d.slots[slotUnknown].v.Load().(func(*session.Session, byte, []byte) Result); ok && f != nil {
		return f
	}
	return d.defaults.Unknown
}

func (d *Dispatcher) SetUnknown(fn func(*session.Session, byte, []byte) Result) {
	d.slots[slotUnknown].v.Store(fn)
}

// DispatchStartup routes a decoded StartupMessage to the startup
// handler. Called directly by the reactor, which owns the untyped
// startup-class frame's decoding (it precedes any FSM legality check).
func (d *Dispatcher) DispatchStartup(sess *session.Session, params StartupParams) Result {
	return d.startupFn()(sess, params)
}

// DispatchPassword routes a decoded PasswordMessage (or, for SASL, any
// password-class response) to the password handler.
func (d *Dispatcher) DispatchPassword(sess *session.Session, response []byte) Result {
	return d.passwordFn()(sess, response)
}

// DispatchSSLRequest routes an SSLRequest to its handler.
func (d *Dispatcher) DispatchSSLRequest(sess *session.Session) Result {
	return d.sslRequestFn()(sess)
}

// DispatchCancel routes a CancelRequest's (pid, secret) to its handler,
// after the reactor has already acted on the registry lookup itself.
func (d *Dispatcher) DispatchCancel(pid, secret uint32) Result {
	return d.cancelFn()(pid, secret)
}

// Dispatch routes one decoded, FSM-legal frame to its handler. It does
// not perform the FSM legality check itself — callers run
// session.Session.Check first and only reach Dispatch on
// LegalDispatch — keeping "did the FSM allow this" and "what does the
// handler do with it" as separate concerns, per the data-flow order
// (B then C).
func (d *Dispatcher) Dispatch(sess *session.Session, f wire.Frame) Result {
	switch f.Type {
	case session.MsgPassword:
		return d.passwordFn()(sess, f.Payload)
	case session.MsgQuery:
		fr := wire.NewFieldReader(f.Payload)
		text, err := fr.CString()
		if err != nil {
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
			return AppError
		}
		sess.SniffTxStatus(text)
		return d.queryFn()(sess, text)
	case session.MsgParse:
		fr := wire.NewFieldReader(f.Payload)
		stmtName, err1 := fr.CString()
		sql, err2 := fr.CString()
		oids, err3 := fr.Int32Array()
		if err := firstErr(err1, err2, err3); err != nil {
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
			return AppError
		}
		return d.parseFn()(sess, stmtName, sql, oids)
	case session.MsgBind:
		fr := wire.NewFieldReader(f.Payload)
		portalName, err1 := fr.CString()
		stmtName, err2 := fr.CString()
		paramFormats, err3 := fr.Int16Array()
		nparams, err4 := fr.Int16()
		if err := firstErr(err1, err2, err3, err4); err != nil {
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
			return AppError
		}
		params := make([][]byte, nparams)
		for i := range params {
			l, err := fr.Int32()
			if err != nil {
				respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
				return AppError
			}
			if l < 0 {
				params[i] = nil
				continue
			}
			v, err := fr.ByteN(int(l))
			if err != nil {
				respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
				return AppError
			}
			params[i] = append([]byte(nil), v...)
		}
		resultFormats, err := fr.Int16Array()
		if err != nil {
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
			return AppError
		}
		return d.bindFn()(sess, portalName, stmtName, paramFormats, params, resultFormats)
	case session.MsgDescribe:
		fr := wire.NewFieldReader(f.Payload)
		kind, err1 := fr.Byte()
		name, err2 := fr.CString()
		if err := firstErr(err1, err2); err != nil {
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
			return AppError
		}
		return d.describeFn()(sess, kind, name)
	case session.MsgExecute:
		fr := wire.NewFieldReader(f.Payload)
		portalName, err1 := fr.CString()
		maxRows, err2 := fr.Int32()
		if err := firstErr(err1, err2); err != nil {
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
			return AppError
		}
		return d.executeFn()(sess, portalName, maxRows)
	case session.MsgClose:
		fr := wire.NewFieldReader(f.Payload)
		kind, err1 := fr.Byte()
		name, err2 := fr.CString()
		if err := firstErr(err1, err2); err != nil {
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
			return AppError
		}
		return d.closeFn()(sess, kind, name)
	case session.MsgSync:
		return d.syncFn()(sess)
	case session.MsgFlush:
		return Continue
	case session.MsgTerminate:
		return FatalSession
	default:
		return d.unknownFn()(sess, f.Type, f.Payload)
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
