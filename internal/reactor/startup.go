package reactor

import (
	"github.com/pgfixture/pgfixture/internal/dispatch"
	"github.com/pgfixture/pgfixture/internal/wire"
)

// startupOutcome names the ways handling one untyped startup-class
// frame can end.
type startupOutcome int

const (
	outcomeSSLNegotiated startupOutcome = iota // reply sent, stay in AwaitStartup
	outcomeCancelHandled                       // connection should close, no reply
	outcomeStarted                             // StartupMessage decoded, proceed to auth
	outcomeProtocolError                       // malformed/unsupported, reply + close
)

// parseStartupParams decodes a StartupMessage payload (already stripped
// of its leading version i32) into key/value pairs terminated by an
// empty key, per spec.md §4.2.
func parseStartupParams(payload []byte) (dispatch.StartupParams, error) {
	fr := wire.NewFieldReader(payload)
	raw := make(map[string]string)
	for {
		key, err := fr.CString()
		if err != nil {
			return dispatch.StartupParams{}, err
		}
		if key == "" {
			break
		}
		val, err := fr.CString()
		if err != nil {
			return dispatch.StartupParams{}, err
		}
		raw[key] = val
	}
	user := raw["user"]
	database := raw["database"]
	if database == "" {
		database = user
	}
	return dispatch.StartupParams{User: user, Database: database, Raw: raw}, nil
}
