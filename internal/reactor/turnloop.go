package reactor

import (
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/pgfixture/pgfixture/internal/dispatch"
	"github.com/pgfixture/pgfixture/internal/respbuilder"
	"github.com/pgfixture/pgfixture/internal/session"
	"github.com/pgfixture/pgfixture/internal/wire"
)

// handleConnection owns one accepted connection's full lifetime: the
// startup/auth handshake, then the simple- and extended-query turn
// loop, until Terminate, EOF, a fatal error, or server shutdown.
func (r *Reactor) handleConnection(conn net.Conn) {
	defer conn.Close()

	pid := r.nextPid()
	sess := session.New(conn, pid, newSecret())
	r.metrics.SessionOpened()
	start := time.Now()
	defer func() {
		r.registry.Remove(sess.ID())
		r.metrics.SessionClosed(time.Since(start))
	}()

	if r.cfg.StartupTimeout > 0 {
		conn.SetDeadline(time.Now().Add(r.cfg.StartupTimeout))
	}

	if !r.runHandshake(sess) {
		return
	}
	conn.SetDeadline(time.Time{})
	if r.cfg.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
	}
	r.registry.Add(sess)

	r.runReadyLoop(sess)
}

func (r *Reactor) nextPid() uint32 {
	// A simple incrementing counter is unique for the lifetime of this
	// reactor, which is all the live-session table requires.
	return atomic.AddUint32(&r.pidCounter, 1)
}

// runHandshake drives AwaitStartup/SSLNegotiating/AwaitAuth through to
// Ready. It returns false if the connection should be closed without
// proceeding to the query loop (CancelRequest, protocol error, or an
// authentication failure).
func (r *Reactor) runHandshake(sess *session.Session) bool {
	for {
		payload, err := r.codec.ReadStartupFrame(sess.Reader)
		if err != nil {
			r.reportTransportClose(sess, err)
			return false
		}
		if len(payload) < 4 {
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", "startup payload too short")
			sess.Flush()
			r.metrics.ProtocolError("08P01")
			return false
		}
		code := int32(binary.BigEndian.Uint32(payload[:4]))

		switch code {
		case wire.MagicSSLRequest:
			respbuilder.SSLUnsupported(&sess.Out)
			if err := sess.Flush(); err != nil {
				return false
			}
			continue // remain in AwaitStartup per the FSM table
		case wire.MagicGSSENCRequest:
			respbuilder.SSLUnsupported(&sess.Out)
			if err := sess.Flush(); err != nil {
				return false
			}
			continue
		case wire.MagicCancelRequest:
			r.handleCancelRequest(payload[4:])
			return false // no reply frame is ever sent on this connection
		default:
			if int32(uint32(code)>>16) != 3 {
				respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", "unsupported protocol version")
				sess.Flush()
				r.metrics.ProtocolError("08P01")
				return false
			}
			return r.runStartupMessage(sess, payload[4:])
		}
	}
}

func (r *Reactor) handleCancelRequest(body []byte) {
	if len(body) < 8 {
		r.metrics.CancelRequest("malformed")
		return
	}
	pid := binary.BigEndian.Uint32(body[0:4])
	secret := binary.BigEndian.Uint32(body[4:8])
	r.CancelSession(session.CancelKey{Pid: pid, Secret: secret})
}

func (r *Reactor) runStartupMessage(sess *session.Session, body []byte) bool {
	params, err := parseStartupParams(body)
	if err != nil {
		respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", err.Error())
		sess.Flush()
		r.metrics.ProtocolError("08P01")
		return false
	}
	if params.User == "" {
		respbuilder.SimpleError(&sess.Out, "FATAL", "28000", "no user name specified in startup packet")
		sess.Flush()
		return false
	}
	sess.SetIdentity(params.User, params.Database)
	sess.SetState(session.AwaitAuth)

	res := r.dispatcher.DispatchStartup(sess, params)
	if res == dispatch.FatalSession {
		sess.Flush()
		return false
	}
	if sess.State() != session.Ready {
		if err := sess.Flush(); err != nil {
			return false
		}
		return r.runPasswordRounds(sess)
	}
	return r.completeAuthentication(sess)
}

// runPasswordRounds reads PasswordMessage-class frames until the
// session reaches Ready or the handler rejects the credential. SASL's
// multi-step exchange fits the same shape: each client response is a
// password-class frame, and the handler decides how many rounds to run
// by staying in AwaitAuth until it's satisfied.
func (r *Reactor) runPasswordRounds(sess *session.Session) bool {
	for {
		f, err := r.codec.ReadFrame(sess.Reader)
		if err != nil {
			r.reportTransportClose(sess, err)
			return false
		}
		if f.Type != session.MsgPassword {
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", "expected password response")
			sess.Flush()
			r.metrics.ProtocolError("08P01")
			return false
		}
		res := r.dispatcher.DispatchPassword(sess, f.Payload)
		if res == dispatch.FatalSession {
			sess.Flush()
			return false
		}
		if sess.State() == session.Ready {
			return r.completeAuthentication(sess)
		}
		if err := sess.Flush(); err != nil {
			return false
		}
	}
}

// completeAuthentication emits the core-owned tail the design assigns
// to the server, not the handler: AuthenticationOk, ParameterStatus*,
// BackendKeyData, ReadyForQuery(Idle). Every Authenticator's Start/
// Verify writes its own AuthenticationRequest sub-type and SASL
// frames along the way, but never AuthenticationOk itself — that way
// the one-round trust path and the multi-round MD5/SCRAM paths both
// end in exactly this sequence, emitted once, from one place.
func (r *Reactor) completeAuthentication(sess *session.Session) bool {
	respbuilder.SendAuthenticatedReady(&sess.Out, r.cfg.ServerParams, sess.Pid(), sess.ID().Secret)
	if err := sess.Flush(); err != nil {
		return false
	}
	r.metrics.AuthAttempt("startup", "ok")
	return true
}

// runReadyLoop drives Ready/InExtended/ErrorExtended until Terminate,
// EOF, or a fatal error.
func (r *Reactor) runReadyLoop(sess *session.Session) {
	for {
		if r.cfg.IdleTimeout > 0 {
			sess.Conn.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		}
		f, err := r.codec.ReadFrame(sess.Reader)
		if err != nil {
			var me *wire.MalformedError
			if errors.As(err, &me) {
				respbuilder.SimpleError(&sess.Out, "FATAL", me.SQLSTATE, me.Reason)
				sess.Flush()
				r.metrics.ProtocolError(me.SQLSTATE)
			}
			r.reportTransportClose(sess, err)
			return
		}
		r.metrics.FrameObserved("in", string(f.Type))

		if sess.Cancelled() {
			respbuilder.SimpleError(&sess.Out, "ERROR", "57014", "canceling statement due to user request")
		}

		switch sess.Check(f.Type) {
		case session.IllegalProtocolError:
			respbuilder.SimpleError(&sess.Out, "ERROR", "08P01", "message not legal in current state")
			r.metrics.ProtocolError("08P01")
			if sess.State() != session.ErrorExtended {
				sess.SetState(session.ErrorExtended)
			}
			if err := r.flushBounded(sess); err != nil {
				return
			}
			continue
		case session.LegalDiscard:
			continue
		}

		wasReady := sess.State() == session.Ready
		if session.IsExtended(f.Type) && wasReady {
			sess.SetState(session.InExtended)
		}

		res := r.dispatcher.Dispatch(sess, f)
		r.metrics.FrameObserved("out", string(f.Type))

		// A handler-reported error (the ErrorResponse is already in
		// sess.Out) latches an in-progress extended-query burst into
		// ErrorExtended, so session.Check discards every following
		// Bind/Describe/Execute/Close until the next Sync. A simple-query
		// error needs no latch: ReadyForQuery follows every Query below
		// regardless of outcome.
		if res == dispatch.AppError && sess.State() == session.InExtended {
			sess.SetState(session.ErrorExtended)
		}

		if f.Type == session.MsgSync {
			sess.SetState(session.Ready)
			respbuilder.ReadyForQuery(&sess.Out, respbuilder.TxStatus(sess.TxStatus()))
		} else if f.Type == session.MsgQuery {
			respbuilder.ReadyForQuery(&sess.Out, respbuilder.TxStatus(sess.TxStatus()))
		}

		if err := r.flushBounded(sess); err != nil {
			return
		}
		if res == dispatch.FatalSession || f.Type == session.MsgTerminate {
			return
		}
	}
}

// flushBounded enforces the write high-water mark before flushing: a
// handler that has piled up more than WriteHighWaterMark bytes without
// yielding is treated the same as a peer who stopped reading.
func (r *Reactor) flushBounded(sess *session.Session) error {
	if sess.Out.Len() > r.cfg.WriteHighWaterMark {
		sess.Out.Reset()
		return errWriteOverflow
	}
	return sess.Flush()
}

var errWriteOverflow = errors.New("reactor: write buffer exceeded high-water mark")

func (r *Reactor) reportTransportClose(sess *session.Session, err error) {
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return
	}
	var me *wire.MalformedError
	if errors.As(err, &me) {
		return // already reported by the caller with the specific SQLSTATE
	}
	log.Printf("[reactor] session %d closed: %v", sess.Pid(), err)
}
