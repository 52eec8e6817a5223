package reactor

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pgfixture/pgfixture/internal/dispatch"
	"github.com/pgfixture/pgfixture/internal/respbuilder"
	"github.com/pgfixture/pgfixture/internal/session"
	"github.com/pgfixture/pgfixture/internal/wire"
)

func startTestReactor(t *testing.T, cfg Config) (*Reactor, net.Conn) {
	return startTestReactorWithHandlers(t, cfg, dispatch.DefaultHandlers{})
}

func startTestReactorWithHandlers(t *testing.T, cfg Config, handlers dispatch.Handlers) (*Reactor, net.Conn) {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if cfg.NumShards == 0 {
		cfg.NumShards = 1
	}
	r := New(cfg, NewRegistry(cfg.NumShards), dispatch.New(handlers), nil)
	if err := r.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	conn, err := net.DialTimeout("tcp", r.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return r, conn
}

func writeStartupMessage(t *testing.T, conn net.Conn, params map[string]string) {
	t.Helper()
	var body []byte
	body = append(body, 0, 3, 0, 0) // protocol version 3.0
	for k, v := range params {
		body = append(body, []byte(k)...)
		body = append(body, 0)
		body = append(body, []byte(v)...)
		body = append(body, 0)
	}
	body = append(body, 0)

	var packet []byte
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(4+len(body)))
	packet = append(packet, length...)
	packet = append(packet, body...)
	if _, err := conn.Write(packet); err != nil {
		t.Fatalf("writing startup message: %v", err)
	}
}

func readFrames(t *testing.T, conn net.Conn, n int) []wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	codec := wire.NewCodec(0)
	frames := make([]wire.Frame, 0, n)
	for i := 0; i < n; i++ {
		f, err := codec.ReadFrame(r)
		if err != nil {
			t.Fatalf("reading frame %d: %v", i, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestHappyStartupTrustAuth(t *testing.T) {
	_, conn := startTestReactor(t, Config{
		ServerParams: []respbuilder.ParameterStatusPair{
			{Name: "server_version", Value: "15.0 (pgfixture)"},
			{Name: "client_encoding", Value: "UTF8"},
		},
	})

	writeStartupMessage(t, conn, map[string]string{"user": "alice", "database": "postgres"})

	// AuthenticationOK, ParameterStatus x2, BackendKeyData, ReadyForQuery
	frames := readFrames(t, conn, 5)

	if frames[0].Type != respbuilder.TypeAuthentication {
		t.Errorf("frame 0 type = %q, want AuthenticationOK", frames[0].Type)
	}
	if frames[1].Type != respbuilder.TypeParameterStatus || frames[2].Type != respbuilder.TypeParameterStatus {
		t.Errorf("frames 1,2 should be ParameterStatus, got %q, %q", frames[1].Type, frames[2].Type)
	}
	if frames[3].Type != respbuilder.TypeBackendKeyData {
		t.Errorf("frame 3 type = %q, want BackendKeyData", frames[3].Type)
	}
	if frames[4].Type != respbuilder.TypeReadyForQuery {
		t.Errorf("frame 4 type = %q, want ReadyForQuery", frames[4].Type)
	}
	if len(frames[4].Payload) != 1 || frames[4].Payload[0] != byte(respbuilder.TxIdle) {
		t.Errorf("ReadyForQuery payload = %v, want idle", frames[4].Payload)
	}
}

func TestSimpleQueryRoundTrip(t *testing.T) {
	_, conn := startTestReactor(t, Config{})
	writeStartupMessage(t, conn, map[string]string{"user": "bob"})
	readFrames(t, conn, 3) // AuthenticationOK, BackendKeyData, ReadyForQuery (no ServerParams configured)

	if err := wire.WriteFrame(conn, 'Q', append([]byte("SELECT 1"), 0)); err != nil {
		t.Fatalf("writing query: %v", err)
	}

	frames := readFrames(t, conn, 2)
	if frames[0].Type != respbuilder.TypeEmptyQueryResp {
		t.Errorf("frame 0 type = %q, want EmptyQueryResponse (default Query handler)", frames[0].Type)
	}
	if frames[1].Type != respbuilder.TypeReadyForQuery {
		t.Errorf("frame 1 type = %q, want ReadyForQuery", frames[1].Type)
	}
}

func TestSSLRequestIsRefusedThenStartupProceeds(t *testing.T) {
	_, conn := startTestReactor(t, Config{})

	sslPacket := make([]byte, 8)
	binary.BigEndian.PutUint32(sslPacket[0:4], 8)
	binary.BigEndian.PutUint32(sslPacket[4:8], uint32(wire.MagicSSLRequest))
	if _, err := conn.Write(sslPacket); err != nil {
		t.Fatalf("writing SSLRequest: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 1)
	if _, err := conn.Read(reply); err != nil {
		t.Fatalf("reading SSL reply: %v", err)
	}
	if reply[0] != 'N' {
		t.Fatalf("SSL reply = %q, want 'N'", reply[0])
	}

	writeStartupMessage(t, conn, map[string]string{"user": "carol"})
	frames := readFrames(t, conn, 3)
	if frames[0].Type != respbuilder.TypeAuthentication {
		t.Errorf("frame 0 type = %q, want AuthenticationOK", frames[0].Type)
	}
}

func TestTerminateClosesTurnLoop(t *testing.T) {
	_, conn := startTestReactor(t, Config{})
	writeStartupMessage(t, conn, map[string]string{"user": "dave"})
	readFrames(t, conn, 3)

	if err := wire.WriteFrame(conn, 'X', nil); err != nil {
		t.Fatalf("writing Terminate: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection to be closed after Terminate")
	}
}

// errorParseHandlers rejects one particular SQL text with a real
// SQLSTATE instead of acknowledging it, the way a Parse handler with
// actual syntax checking would.
type errorParseHandlers struct {
	dispatch.DefaultHandlers
}

func (h errorParseHandlers) Parse(sess *session.Session, stmtName, sql string, paramOIDs []int32) dispatch.Result {
	if sql == "BAD SQL" {
		respbuilder.SimpleError(&sess.Out, "ERROR", "42601", `syntax error at or near "BAD"`)
		return dispatch.AppError
	}
	return h.DefaultHandlers.Parse(sess, stmtName, sql, paramOIDs)
}

func writeParseMessage(t *testing.T, conn net.Conn, stmtName, sql string) {
	t.Helper()
	var body []byte
	body = append(body, []byte(stmtName)...)
	body = append(body, 0)
	body = append(body, []byte(sql)...)
	body = append(body, 0)
	body = append(body, 0, 0) // zero parameter OIDs
	if err := wire.WriteFrame(conn, 'P', body); err != nil {
		t.Fatalf("writing Parse: %v", err)
	}
}

// TestErrorMidBurstDiscardsUntilSync reproduces the literal "error
// mid-burst" scenario: a Parse error moves the session to
// ErrorExtended, and every Bind/Describe in the same burst is read and
// discarded — producing no output — until Sync resets the session to
// Ready.
func TestErrorMidBurstDiscardsUntilSync(t *testing.T) {
	_, conn := startTestReactorWithHandlers(t, Config{}, errorParseHandlers{})
	writeStartupMessage(t, conn, map[string]string{"user": "erin"})
	readFrames(t, conn, 3) // AuthenticationOK, BackendKeyData, ReadyForQuery

	writeParseMessage(t, conn, "", "BAD SQL")
	frames := readFrames(t, conn, 1)
	if frames[0].Type != respbuilder.TypeErrorResponse {
		t.Fatalf("frame 0 type = %q, want ErrorResponse", frames[0].Type)
	}

	if err := wire.WriteFrame(conn, 'B', nil); err != nil {
		t.Fatalf("writing Bind: %v", err)
	}
	if err := wire.WriteFrame(conn, 'D', nil); err != nil {
		t.Fatalf("writing Describe: %v", err)
	}

	// Sync is the only message ErrorExtended acts on; it must be the
	// very next frame the peer reads, with no trailing output from the
	// discarded Bind/Describe in between.
	if err := wire.WriteFrame(conn, 'S', nil); err != nil {
		t.Fatalf("writing Sync: %v", err)
	}
	frames = readFrames(t, conn, 1)
	if frames[0].Type != respbuilder.TypeReadyForQuery {
		t.Fatalf("frame after Sync type = %q, want ReadyForQuery", frames[0].Type)
	}
}
