package auth

import (
	"github.com/pgfixture/pgfixture/internal/dispatch"
	"github.com/pgfixture/pgfixture/internal/respbuilder"
	"github.com/pgfixture/pgfixture/internal/session"
)

// Handlers adapts an Authenticator into the dispatch.Handlers contract:
// Startup writes the authenticator's chosen AuthenticationRequest and
// leaves the session in AwaitAuth (a TrustAuthenticator instead moves
// it straight to Ready); Password forwards each response to
// Verify and promotes the session to Ready once it reports success.
// Every other variant is DefaultHandlers' behavior, embedded unchanged.
type Handlers struct {
	dispatch.DefaultHandlers
	Authenticator Authenticator
}

// NewHandlers returns a dispatch.Handlers backed by authn.
func NewHandlers(authn Authenticator) Handlers {
	return Handlers{Authenticator: authn}
}

func (h Handlers) Startup(sess *session.Session, params dispatch.StartupParams) dispatch.Result {
	if err := h.Authenticator.Start(sess, params.User); err != nil {
		respbuilder.SimpleError(&sess.Out, "FATAL", "28000", err.Error())
		return dispatch.FatalSession
	}
	if _, trusted := h.Authenticator.(TrustAuthenticator); trusted {
		sess.SetState(session.Ready)
	}
	return dispatch.Continue
}

func (h Handlers) Password(sess *session.Session, response []byte) dispatch.Result {
	user := sess.User()
	ok, done, err := h.Authenticator.Verify(sess, user, response)
	if err != nil {
		respbuilder.SimpleError(&sess.Out, "FATAL", "28000", err.Error())
		return dispatch.FatalSession
	}
	if !done {
		return dispatch.Continue // another SASL round expected
	}
	if !ok {
		respbuilder.SimpleError(&sess.Out, "FATAL", "28P01", "password authentication failed for user \""+user+"\"")
		return dispatch.FatalSession
	}
	sess.SetState(session.Ready)
	return dispatch.Continue
}
