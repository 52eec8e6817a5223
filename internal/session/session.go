// Package session holds the per-connection data model and finite state
// machine described by the core's session design: a session owns its
// byte stream, its read/write buffers, the authenticated identity, the
// transaction status, its named prepared statements and portals, and
// the current FSM state. A session is driven by exactly one goroutine
// at a time (the reactor's per-connection turn loop); the mutex here
// exists only so the admin API can take a consistent read-only
// snapshot of a live session concurrently.
package session

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is one node of the session FSM.
type State int

const (
	AwaitStartup State = iota
	SSLNegotiating
	AwaitAuth
	Ready
	InExtended
	ErrorExtended
)

func (s State) String() string {
	switch s {
	case AwaitStartup:
		return "AwaitStartup"
	case SSLNegotiating:
		return "SSLNegotiating"
	case AwaitAuth:
		return "AwaitAuth"
	case Ready:
		return "Ready"
	case InExtended:
		return "InExtended"
	case ErrorExtended:
		return "ErrorExtended"
	default:
		return "Unknown"
	}
}

// TxStatus is the transaction status tracked for ReadyForQuery. Its
// values are the literal wire bytes ('I'/'T'/'E') so callers can cast
// directly into respbuilder.TxStatus without a lookup table.
type TxStatus byte

const (
	TxIdle     TxStatus = 'I'
	TxInTxn    TxStatus = 'T'
	TxInFailed TxStatus = 'E'
)

// CancelKey is the (pid, secret) pair a CancelRequest presents to
// identify its target session, per the data model's live-session table.
type CancelKey struct {
	Pid    uint32
	Secret uint32
}

// Session is one accepted connection's full state.
type Session struct {
	Conn   net.Conn
	Reader *bufio.Reader
	Out    bytes.Buffer

	pid    uint32
	secret uint32

	mu       sync.RWMutex
	state    State
	txStatus TxStatus
	user     string
	database string

	statements map[string]*PreparedStatement
	portals    map[string]*Portal

	cancelled atomic.Bool

	StartedAt time.Time

	// authState is scratch storage for the authentication collaborator's
	// own per-round state (e.g. an MD5 salt, SCRAM server progress)
	// between its Start and Verify calls. The core never reads it.
	authState interface{}
}

// AuthState returns the authentication collaborator's stashed state.
func (s *Session) AuthState() interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authState
}

// SetAuthState stashes per-round authentication state.
func (s *Session) SetAuthState(v interface{}) {
	s.mu.Lock()
	s.authState = v
	s.mu.Unlock()
}

// New returns a freshly accepted session in AwaitStartup, identified by
// the given pid/secret pair (the reactor draws the secret from
// crypto/rand).
func New(conn net.Conn, pid, secret uint32) *Session {
	return &Session{
		Conn:       conn,
		Reader:     bufio.NewReader(conn),
		pid:        pid,
		secret:     secret,
		state:      AwaitStartup,
		txStatus:   TxIdle,
		statements: make(map[string]*PreparedStatement),
		portals:    make(map[string]*Portal),
		StartedAt:  time.Now(),
	}
}

// ID returns the session's cancel key.
func (s *Session) ID() CancelKey {
	return CancelKey{Pid: s.pid, Secret: s.secret}
}

// Pid returns the session's backend process identifier.
func (s *Session) Pid() uint32 { return s.pid }

// State returns the current FSM state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState moves the FSM to the given state.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// TxStatus returns the transaction status last recorded.
func (s *Session) TxStatus() TxStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txStatus
}

// SetTxStatus sets the transaction status explicitly, for handlers that
// signal transaction boundaries out of band from simple-query text.
func (s *Session) SetTxStatus(t TxStatus) {
	s.mu.Lock()
	s.txStatus = t
	s.mu.Unlock()
}

// User returns the authenticated user name, if any.
func (s *Session) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Database returns the selected database name, if any.
func (s *Session) Database() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.database
}

// SetIdentity records the user/database pair decoded from StartupMessage.
func (s *Session) SetIdentity(user, database string) {
	s.mu.Lock()
	s.user = user
	s.database = database
	s.mu.Unlock()
}

// Cancel marks the session cancelled. Cooperative: the FSM only checks
// this flag at handler boundaries, per the concurrency model — it never
// interrupts an in-flight handler.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether a CancelRequest has targeted this session.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Flush writes the accumulated write buffer to the connection and
// resets it. Response builders only ever append to Out; only the
// reactor's turn loop calls Flush.
func (s *Session) Flush() error {
	if s.Out.Len() == 0 {
		return nil
	}
	_, err := s.Conn.Write(s.Out.Bytes())
	s.Out.Reset()
	return err
}

// Snapshot is a point-in-time, lock-free copy of a session's
// admin-visible state, used by the HTTP API's session listing.
type Snapshot struct {
	Pid       uint32
	User      string
	Database  string
	State     string
	TxStatus  byte
	StartedAt time.Time
	Cancelled bool
}

// Snapshot takes a consistent read-only copy for the admin API.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Pid:       s.pid,
		User:      s.user,
		Database:  s.database,
		State:     s.state.String(),
		TxStatus:  byte(s.txStatus),
		StartedAt: s.StartedAt,
		Cancelled: s.cancelled.Load(),
	}
}
