package auth

import (
	"net"
	"testing"

	"github.com/pgfixture/pgfixture/internal/session"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	return session.New(c1, 1, 2)
}

func TestTrustAuthenticatorAlwaysSucceeds(t *testing.T) {
	sess := newTestSession(t)
	var a TrustAuthenticator
	if err := a.Start(sess, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ok, done, err := a.Verify(sess, "alice", nil)
	if err != nil || !ok || !done {
		t.Fatalf("Verify = %v, %v, %v", ok, done, err)
	}
}

func TestCleartextAuthenticator(t *testing.T) {
	store := NewMemoryStore()
	store.SetPassword("alice", "hunter2")
	a := CleartextAuthenticator{Store: store}

	sess := newTestSession(t)
	a.Start(sess, "alice")

	ok, done, err := a.Verify(sess, "alice", []byte("hunter2\x00"))
	if err != nil || !ok || !done {
		t.Fatalf("correct password: ok=%v done=%v err=%v", ok, done, err)
	}

	ok, _, _ = a.Verify(sess, "alice", []byte("wrong\x00"))
	if ok {
		t.Error("expected wrong password to fail")
	}
}

func TestMD5AuthenticatorRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	store.SetPassword("bob", "s3cret")
	a := &MD5Authenticator{Store: store}

	sess := newTestSession(t)
	if err := a.Start(sess, "bob"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	salt := sess.AuthState().([4]byte)

	correct := computeMD5Password("bob", "s3cret", salt[:])
	ok, done, err := a.Verify(sess, "bob", []byte(correct+"\x00"))
	if err != nil || !ok || !done {
		t.Fatalf("correct md5 response: ok=%v done=%v err=%v", ok, done, err)
	}

	ok, _, _ = a.Verify(sess, "bob", []byte("md5deadbeef\x00"))
	if ok {
		t.Error("expected wrong md5 response to fail")
	}
}

func TestSCRAMAuthenticatorRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SetPassword("carol", "swordfish"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	a := SCRAMAuthenticator{Store: store}

	sess := newTestSession(t)
	if err := a.Start(sess, "carol"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clientNonce := "fyko+d2lbbFgONRv9qkxdawL"
	clientFirstBare := "n=carol,r=" + clientNonce
	clientFirstMsg := "n,," + clientFirstBare

	initial := buildSASLInitialResponse(SCRAMMechanism, []byte(clientFirstMsg))
	ok, done, err := a.Verify(sess, "carol", initial)
	if err != nil {
		t.Fatalf("verifyClientFirst: %v", err)
	}
	if ok || done {
		t.Fatalf("expected an intermediate round, got ok=%v done=%v", ok, done)
	}

	st := sess.AuthState().(*scramServerState)
	cred, _ := store.Lookup("carol")
	saltedPassword := deriveSaltedPassword("swordfish", cred.SCRAMSalt, cred.SCRAMIterations)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))

	channelBinding := "c=biws"
	clientFinalWithoutProof := channelBinding + ",r=" + st.serverNonce
	authMessage := st.clientFirstBare + "," + st.serverFirstMsg + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(sha256Sum(clientKey), []byte(authMessage))
	proof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + b64(proof)
	ok, done, err = a.Verify(sess, "carol", []byte(clientFinalMsg))
	if err != nil {
		t.Fatalf("verifyClientFinal: %v", err)
	}
	if !ok || !done {
		t.Fatalf("expected success, got ok=%v done=%v", ok, done)
	}
}

func buildSASLInitialResponse(mechanism string, clientFirstMsg []byte) []byte {
	out := append([]byte(mechanism), 0)
	l := len(clientFirstMsg)
	out = append(out, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
	out = append(out, clientFirstMsg...)
	return out
}

func b64(b []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var out []byte
	for i := 0; i < len(b); i += 3 {
		chunk := b[i:min(i+3, len(b))]
		var n uint32
		for _, c := range chunk {
			n = n<<8 | uint32(c)
		}
		n <<= uint(8 * (3 - len(chunk)))
		for j := 0; j < 4; j++ {
			if j > len(chunk) {
				out = append(out, '=')
				continue
			}
			out = append(out, alphabet[(n>>uint(18-6*j))&0x3F])
		}
	}
	return string(out)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
