// Package auth is the authentication collaborator spec.md leaves
// external to the core: the core only needs to emit an
// AuthenticationRequest sub-type and deliver PasswordMessage payloads
// through the password handler, and this package supplies the default
// implementations of the credential-checking those handlers delegate
// to. Every scheme here inverts a client-side (initiator) routine the
// teacher wrote to *authenticate against* a real PostgreSQL backend
// into a server-side (verifier) routine that checks a client's
// response instead — same primitives, opposite role.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pgfixture/pgfixture/internal/respbuilder"
	"github.com/pgfixture/pgfixture/internal/session"
)

// Credential is what a CredentialStore returns for a user: the
// plaintext password (used by the cleartext and MD5 methods) together
// with the SCRAM verifier material derived from it.
type Credential struct {
	// Password, if non-empty, supports CleartextAuthenticator and
	// MD5Authenticator directly.
	Password string
	// SCRAM verifier material, synthesized at config load time from a
	// plaintext password so the wire exchange is a real SCRAM
	// conversation even though operators configure a plain password.
	SCRAMSalt       []byte
	SCRAMIterations int
	StoredKey       []byte
	ServerKey       []byte
}

// CredentialStore resolves a user name to its stored credential.
type CredentialStore interface {
	Lookup(user string) (Credential, bool)
}

// MemoryStore is an in-memory CredentialStore populated from
// configuration at startup.
type MemoryStore struct {
	users map[string]Credential
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]Credential)}
}

// Lookup implements CredentialStore.
func (m *MemoryStore) Lookup(user string) (Credential, bool) {
	c, ok := m.users[user]
	return c, ok
}

// SetPassword stores a user's credential, deriving SCRAM verifier
// material from the plaintext password so SCRAMAuthenticator never
// needs to see a plaintext password at exchange time.
func (m *MemoryStore) SetPassword(user, password string) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("auth: generating salt: %w", err)
	}
	const iterations = 4096
	saltedPassword := deriveSaltedPassword(password, salt, iterations)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	m.users[user] = Credential{
		Password:        password,
		SCRAMSalt:       salt,
		SCRAMIterations: iterations,
		StoredKey:       storedKey,
		ServerKey:       serverKey,
	}
	return nil
}

// Authenticator is the interface the core's Startup/Password handlers
// consult. Start writes the initial AuthenticationRequest sub-type and
// stashes whatever per-exchange state Verify will need with
// sess.SetAuthState; Verify
// consumes PasswordMessage-class payloads until it can report success
// or failure. A multi-round scheme like SCRAM returns ok=false with no
// error across its intermediate rounds, appending its own challenge
// frames to sess.Out as it goes.
type Authenticator interface {
	// Start writes the initial AuthenticationRequest for user into
	// sess.Out.
	Start(sess *session.Session, user string) error
	// Verify consumes one PasswordMessage-class payload. ok=true means
	// authentication succeeded; done=false means another round is
	// expected (only SCRAM uses this).
	Verify(sess *session.Session, user string, response []byte) (ok, done bool, err error)
}

// TrustAuthenticator accepts unconditionally.
type TrustAuthenticator struct{}

// Start has nothing to negotiate: trust has no AuthenticationRequest
// sub-type of its own, and the eventual AuthenticationOk is the
// reactor's to send once the session reaches Ready.
func (TrustAuthenticator) Start(sess *session.Session, user string) error {
	return nil
}

func (TrustAuthenticator) Verify(sess *session.Session, user string, response []byte) (bool, bool, error) {
	return true, true, nil
}

// CleartextAuthenticator verifies the PasswordMessage payload by
// equality against a CredentialStore.
type CleartextAuthenticator struct {
	Store CredentialStore
}

func (a CleartextAuthenticator) Start(sess *session.Session, user string) error {
	respbuilder.AuthenticationCleartextPassword(&sess.Out)
	return nil
}

func (a CleartextAuthenticator) Verify(sess *session.Session, user string, response []byte) (bool, bool, error) {
	cred, ok := a.Store.Lookup(user)
	if !ok {
		return false, true, nil
	}
	got := bytes.TrimRight(response, "\x00")
	return string(got) == cred.Password, true, nil
}

// MD5Authenticator verifies the client's response using PostgreSQL's
// MD5 password formula, inverted from the teacher's computeMD5Password
// (there, used to construct the client's outgoing response; here, used
// to compute the same expected string and compare).
type MD5Authenticator struct {
	Store CredentialStore
}

func (a *MD5Authenticator) Start(sess *session.Session, user string) error {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("auth: generating md5 salt: %w", err)
	}
	sess.SetAuthState(salt)
	respbuilder.AuthenticationMD5Password(&sess.Out, salt)
	return nil
}

func (a *MD5Authenticator) Verify(sess *session.Session, user string, response []byte) (bool, bool, error) {
	cred, ok := a.Store.Lookup(user)
	if !ok {
		return false, true, nil
	}
	salt, ok := sess.AuthState().([4]byte)
	if !ok {
		return false, true, fmt.Errorf("auth: md5 verify without a prior Start")
	}
	expected := computeMD5Password(user, cred.Password, salt[:])
	got := string(bytes.TrimRight(response, "\x00"))
	return got == expected, true, nil
}

// computeMD5Password computes "md5" + md5(md5(password+user)+salt), the
// formula PostgreSQL clients and servers both compute independently to
// compare without transmitting the password.
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
