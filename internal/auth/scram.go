package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pgfixture/pgfixture/internal/respbuilder"
	"github.com/pgfixture/pgfixture/internal/session"
	"golang.org/x/crypto/pbkdf2"
	"crypto/sha256"
)

// SCRAMMechanism is the single mechanism name this authenticator offers.
const SCRAMMechanism = "SCRAM-SHA-256"

// scramServerState is the per-session progress of a SASL exchange,
// stashed in session.Session.AuthState between rounds.
type scramServerState struct {
	user            string
	clientFirstBare string
	serverFirstMsg  string
	serverNonce     string
}

// SCRAMAuthenticator is the server role of the exchange the teacher
// implements client-side in pool/scram.go: every primitive (HMAC-SHA-256,
// SHA-256, XOR, PBKDF2, nonce generation) is the teacher's, flipped from
// initiator to verifier. It issues its own salt and iteration count
// instead of receiving the server's, and checks the client's proof
// instead of computing one to send.
type SCRAMAuthenticator struct {
	Store CredentialStore
}

func (a SCRAMAuthenticator) Start(sess *session.Session, user string) error {
	respbuilder.AuthenticationSASL(&sess.Out, []string{SCRAMMechanism})
	return nil
}

// Verify is called once per SASL round. The first round's response is
// the client's SASLInitialResponse (mechanism name, then a length-
// prefixed client-first-message); the second is the bare
// client-final-message. Verify distinguishes them by whether session
// state already holds a scramServerState.
func (a SCRAMAuthenticator) Verify(sess *session.Session, user string, response []byte) (ok, done bool, err error) {
	st, inProgress := sess.AuthState().(*scramServerState)
	if !inProgress {
		return a.verifyClientFirst(sess, user, response)
	}
	return a.verifyClientFinal(sess, st, response)
}

func (a SCRAMAuthenticator) verifyClientFirst(sess *session.Session, user string, payload []byte) (bool, bool, error) {
	idx := strings.IndexByte(string(payload), 0)
	if idx < 0 {
		return false, true, fmt.Errorf("auth: malformed SASLInitialResponse")
	}
	mechanism := string(payload[:idx])
	if mechanism != SCRAMMechanism {
		return false, true, fmt.Errorf("auth: unsupported SASL mechanism %q", mechanism)
	}
	rest := payload[idx+1:]
	if len(rest) < 4 {
		return false, true, fmt.Errorf("auth: malformed SASLInitialResponse length")
	}
	clientFirstLen := int(uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3]))
	rest = rest[4:]
	if clientFirstLen < 0 || clientFirstLen > len(rest) {
		return false, true, fmt.Errorf("auth: malformed client-first-message length")
	}
	clientFirstMsg := string(rest[:clientFirstLen])

	gs2End := strings.Index(clientFirstMsg, "n,,")
	if gs2End != 0 {
		return false, true, fmt.Errorf("auth: unsupported gs2 header")
	}
	clientFirstBare := clientFirstMsg[3:]

	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}
	if clientNonce == "" {
		return false, true, fmt.Errorf("auth: client-first-message missing nonce")
	}

	cred, ok := a.Store.Lookup(user)
	if !ok || len(cred.StoredKey) == 0 {
		return false, true, nil
	}

	serverNonceExtra := make([]byte, 18)
	if _, err := rand.Read(serverNonceExtra); err != nil {
		return false, true, fmt.Errorf("auth: generating server nonce: %w", err)
	}
	serverNonce := clientNonce + base64.StdEncoding.EncodeToString(serverNonceExtra)

	serverFirstMsg := fmt.Sprintf("r=%s,s=%s,i=%d",
		serverNonce,
		base64.StdEncoding.EncodeToString(cred.SCRAMSalt),
		cred.SCRAMIterations)

	sess.SetAuthState(&scramServerState{
		user:            user,
		clientFirstBare: clientFirstBare,
		serverFirstMsg:  serverFirstMsg,
		serverNonce:     serverNonce,
	})
	respbuilder.AuthenticationSASLContinue(&sess.Out, []byte(serverFirstMsg))
	return false, false, nil
}

func (a SCRAMAuthenticator) verifyClientFinal(sess *session.Session, st *scramServerState, payload []byte) (bool, bool, error) {
	clientFinalMsg := string(payload)
	var channelBinding, nonce, proofB64 string
	for _, part := range strings.Split(clientFinalMsg, ",") {
		switch {
		case strings.HasPrefix(part, "c="):
			channelBinding = part
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "p="):
			proofB64 = part[2:]
		}
	}
	if nonce != st.serverNonce || proofB64 == "" || channelBinding == "" {
		return false, true, fmt.Errorf("auth: malformed client-final-message")
	}
	clientProof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return false, true, fmt.Errorf("auth: decoding client proof: %w", err)
	}

	cred, ok := a.Store.Lookup(st.user)
	if !ok {
		return false, true, nil
	}

	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, nonce)
	authMessage := st.clientFirstBare + "," + st.serverFirstMsg + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(cred.StoredKey, []byte(authMessage))
	expectedClientKey := xorBytes(clientProof, clientSignature)
	if sha256HexEqual(expectedClientKey, cred.StoredKey) {
		serverSignature := hmacSHA256(cred.ServerKey, []byte(authMessage))
		serverFinalMsg := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
		respbuilder.AuthenticationSASLFinal(&sess.Out, []byte(serverFinalMsg))
		return true, true, nil
	}
	return false, true, nil
}

func sha256HexEqual(clientKey, storedKey []byte) bool {
	got := sha256Sum(clientKey)
	if len(got) != len(storedKey) {
		return false
	}
	for i := range got {
		if got[i] != storedKey[i] {
			return false
		}
	}
	return true
}

// deriveSaltedPassword runs PBKDF2-HMAC-SHA256 over password with the
// given salt and iteration count, the first step of SCRAM key
// derivation. Grounded on the teacher's identical call in
// pool/scram.go's client-side exchange.
func deriveSaltedPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
}
