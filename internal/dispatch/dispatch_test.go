package dispatch

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/pgfixture/pgfixture/internal/respbuilder"
	"github.com/pgfixture/pgfixture/internal/session"
	"github.com/pgfixture/pgfixture/internal/wire"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	return session.New(c1, 1, 2)
}

func decodeAll(t *testing.T, data []byte) []wire.Frame {
	t.Helper()
	c := wire.NewCodec(0)
	r := bufio.NewReader(bytes.NewReader(data))
	var out []wire.Frame
	for {
		f, err := c.ReadFrame(r)
		if err != nil {
			break
		}
		out = append(out, f)
	}
	return out
}

func TestDispatchQueryDefault(t *testing.T) {
	sess := newTestSession(t)
	d := New(nil)

	fw := wire.NewFieldWriter()
	fw.CString("SELECT 1")
	f := wire.Frame{Type: session.MsgQuery, Payload: fw.Bytes()}

	res := d.Dispatch(sess, f)
	if res != Continue {
		t.Fatalf("result = %v, want Continue", res)
	}
	frames := decodeAll(t, sess.Out.Bytes())
	if len(frames) != 1 || frames[0].Type != respbuilder.TypeEmptyQueryResp {
		t.Fatalf("frames = %v, want single EmptyQueryResponse", frames)
	}
}

func TestDispatchParseRecordsStatement(t *testing.T) {
	sess := newTestSession(t)
	d := New(nil)

	fw := wire.NewFieldWriter()
	fw.CString("s1").CString("SELECT $1::int").Int16(1).Int32(23)
	d.Dispatch(sess, wire.Frame{Type: session.MsgParse, Payload: fw.Bytes()})

	st, ok := sess.Statement("s1")
	if !ok {
		t.Fatal("expected statement s1 to be recorded")
	}
	if st.SQL != "SELECT $1::int" || len(st.ParamOIDs) != 1 || st.ParamOIDs[0] != 23 {
		t.Errorf("statement = %+v", st)
	}

	frames := decodeAll(t, sess.Out.Bytes())
	if len(frames) != 1 || frames[0].Type != respbuilder.TypeParseComplete {
		t.Fatalf("frames = %v, want ParseComplete", frames)
	}
}

func TestDispatchCustomQueryHandlerOverridesDefault(t *testing.T) {
	sess := newTestSession(t)
	d := New(nil)

	var seen string
	d.SetQuery(func(s *session.Session, text string) Result {
		seen = text
		respbuilder.CommandComplete(&s.Out, "SELECT 1")
		return Continue
	})

	fw := wire.NewFieldWriter()
	fw.CString("SELECT 1")
	d.Dispatch(sess, wire.Frame{Type: session.MsgQuery, Payload: fw.Bytes()})

	if seen != "SELECT 1" {
		t.Errorf("handler saw %q", seen)
	}

	d.SetQuery(nil) // restore default
	sess.Out.Reset()
	fw2 := wire.NewFieldWriter()
	fw2.CString("SELECT 2")
	d.Dispatch(sess, wire.Frame{Type: session.MsgQuery, Payload: fw2.Bytes()})
	frames := decodeAll(t, sess.Out.Bytes())
	if len(frames) != 1 || frames[0].Type != respbuilder.TypeEmptyQueryResp {
		t.Fatalf("after reset, frames = %v, want default EmptyQueryResponse", frames)
	}
}

func TestDispatchUnknownMessage(t *testing.T) {
	sess := newTestSession(t)
	d := New(nil)

	res := d.Dispatch(sess, wire.Frame{Type: '?', Payload: nil})
	if res != Continue {
		t.Fatalf("result = %v, want Continue", res)
	}
	frames := decodeAll(t, sess.Out.Bytes())
	if len(frames) != 1 || frames[0].Type != respbuilder.TypeErrorResponse {
		t.Fatalf("frames = %v, want ErrorResponse", frames)
	}
}

func TestDispatchMalformedParseReportsAppError(t *testing.T) {
	sess := newTestSession(t)
	d := New(nil)

	// Truncated payload: no terminating NUL on the statement name, so
	// CString() fails before a handler ever runs.
	res := d.Dispatch(sess, wire.Frame{Type: session.MsgParse, Payload: []byte("s1")})
	if res != AppError {
		t.Fatalf("result = %v, want AppError", res)
	}
	frames := decodeAll(t, sess.Out.Bytes())
	if len(frames) != 1 || frames[0].Type != respbuilder.TypeErrorResponse {
		t.Fatalf("frames = %v, want ErrorResponse", frames)
	}
}

func TestDispatchTerminateIsFatal(t *testing.T) {
	sess := newTestSession(t)
	d := New(nil)

	res := d.Dispatch(sess, wire.Frame{Type: session.MsgTerminate})
	if res != FatalSession {
		t.Errorf("result = %v, want FatalSession", res)
	}
}
