package session

import "strings"

// Inbound message type bytes legal in Ready/InExtended/ErrorExtended.
// StartupMessage, SSLRequest and CancelRequest are untyped startup-class
// frames handled before a Session reaches these states and so have no
// byte constant here.
const (
	MsgPassword  byte = 'p'
	MsgQuery     byte = 'Q'
	MsgParse     byte = 'P'
	MsgBind      byte = 'B'
	MsgDescribe  byte = 'D'
	MsgExecute   byte = 'E'
	MsgClose     byte = 'C'
	MsgSync      byte = 'S'
	MsgFlush     byte = 'H'
	MsgTerminate byte = 'X'
)

// Legality is the disposition the FSM assigns to an inbound message in
// the session's current state.
type Legality int

const (
	// LegalDispatch means the message is legal here and should reach
	// the dispatcher.
	LegalDispatch Legality = iota
	// LegalDiscard means the message is read but not dispatched —
	// ErrorExtended swallows everything except Sync.
	LegalDiscard
	// IllegalProtocolError means the message is not permitted in this
	// state; the core replies ErrorResponse 08P01.
	IllegalProtocolError
)

var extendedMessages = map[byte]bool{
	MsgParse: true, MsgBind: true, MsgDescribe: true, MsgExecute: true,
	MsgClose: true, MsgSync: true, MsgFlush: true, MsgTerminate: true,
}

var knownMessages = map[byte]bool{
	MsgPassword: true, MsgQuery: true, MsgParse: true, MsgBind: true,
	MsgDescribe: true, MsgExecute: true, MsgClose: true, MsgSync: true,
	MsgFlush: true, MsgTerminate: true,
}

// IsExtended reports whether msgType is one of the extended-query
// cycle's messages (Parse/Bind/Describe/Execute/Close), which move a
// Ready session into InExtended.
func IsExtended(msgType byte) bool {
	switch msgType {
	case MsgParse, MsgBind, MsgDescribe, MsgExecute, MsgClose:
		return true
	default:
		return false
	}
}

// Check classifies an inbound typed message against the session's
// current FSM state, per the state table's permitted-inbound column.
func (s *Session) Check(msgType byte) Legality {
	switch s.State() {
	case AwaitAuth:
		if msgType == MsgPassword {
			return LegalDispatch
		}
		return IllegalProtocolError
	case Ready:
		switch {
		case msgType == MsgQuery, msgType == MsgSync, msgType == MsgFlush, msgType == MsgTerminate:
			return LegalDispatch
		case IsExtended(msgType):
			return LegalDispatch
		case !knownMessages[msgType]:
			// Not a message variant the FSM table names at all — let it
			// reach the dispatcher's Unknown handler rather than treat
			// it as a known-but-misplaced message.
			return LegalDispatch
		default:
			return IllegalProtocolError
		}
	case InExtended:
		switch {
		case extendedMessages[msgType]:
			return LegalDispatch
		case !knownMessages[msgType]:
			return LegalDispatch
		default:
			return IllegalProtocolError
		}
	case ErrorExtended:
		// "only Sync is acted upon; other messages are read and
		// discarded" — this holds for every other message, known or not.
		if msgType == MsgSync {
			return LegalDispatch
		}
		return LegalDiscard
	default:
		// AwaitStartup, SSLNegotiating: no typed message is legal here,
		// only the untyped startup-class frame the reactor handles
		// before routing through Check.
		return IllegalProtocolError
	}
}

// SniffTxStatus updates the transaction status from the leading keyword
// of simple-query text, the mechanism the core uses absent an explicit
// handler signal. Grounded on the teacher's own relay logic, which
// infers transaction boundaries by inspecting command text rather than
// trusting a side channel.
func (s *Session) SniffTxStatus(sql string) {
	kw := leadingKeyword(sql)
	switch kw {
	case "BEGIN", "START":
		s.SetTxStatus(TxInTxn)
	case "COMMIT", "ROLLBACK", "END":
		s.SetTxStatus(TxIdle)
	case "DISCARD":
		if strings.EqualFold(strings.TrimSpace(sql), "DISCARD ALL") {
			s.SetTxStatus(TxIdle)
		}
	}
}

func leadingKeyword(sql string) string {
	sql = strings.TrimSpace(sql)
	end := strings.IndexAny(sql, " \t\n\r;")
	if end < 0 {
		end = len(sql)
	}
	return strings.ToUpper(sql[:end])
}
