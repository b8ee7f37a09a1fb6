// Package auth defines the gateway-facing authentication boundary. The
// managed control plane authenticates callers against a remote key store;
// the open-source build ships two local implementations and lets operators
// swap in their own by satisfying Authenticator.
package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

// Identity is the caller resolved from a request's credentials.
type Identity struct {
	// UserID identifies the caller for per-user rate-limit scoping. Empty
	// when the authenticator does not distinguish individual users.
	UserID string

	// KeyID is a stable, loggable handle for the credential used — never the
	// raw key itself.
	KeyID string
}

// Authenticator resolves an Identity from the bearer token presented on a
// request, or reports why it could not.
type Authenticator interface {
	// Authenticate validates token and returns the resolved Identity.
	// A non-nil error means the caller must not be admitted to the pipeline.
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// ErrMissingToken is returned when the Authorization header carried no
// bearer token at all.
type ErrMissingToken struct{}

func (ErrMissingToken) Error() string { return "auth: missing bearer token" }

// ErrInvalidToken is returned when a token was presented but did not match
// any configured credential.
type ErrInvalidToken struct{}

func (ErrInvalidToken) Error() string { return "auth: invalid bearer token" }

// NoopAuthenticator admits every request, assigning no identity. This is the
// default when AUTH_MODE=none — the gateway relies entirely on network-level
// access control.
type NoopAuthenticator struct{}

// Authenticate always succeeds with an empty Identity.
func (NoopAuthenticator) Authenticate(_ context.Context, _ string) (Identity, error) {
	return Identity{}, nil
}

// StaticKeyAuthenticator admits requests whose bearer token appears in a
// fixed key→identity map, loaded once at startup from configuration. Token
// comparison is constant-time to avoid leaking key material through timing.
type StaticKeyAuthenticator struct {
	keys map[string]Identity
}

// NewStaticKeyAuthenticator builds an authenticator from a map of bearer
// token to user id. Keys with an empty user id are still admitted but
// resolve to an Identity with an empty UserID (unscoped rate limiting).
func NewStaticKeyAuthenticator(keyToUserID map[string]string) *StaticKeyAuthenticator {
	keys := make(map[string]Identity, len(keyToUserID))
	for token, userID := range keyToUserID {
		keys[token] = Identity{UserID: userID, KeyID: keyID(token)}
	}
	return &StaticKeyAuthenticator{keys: keys}
}

// Authenticate looks up token in the configured key set.
func (a *StaticKeyAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken{}
	}
	for known, id := range a.keys {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return id, nil
		}
	}
	return Identity{}, ErrInvalidToken{}
}

// ExtractBearer pulls the token out of a raw Authorization header value
// ("Bearer <token>"), returning "" if the header is absent or malformed.
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// keyID derives a short, loggable identifier from a raw key without
// exposing the key material — the last 6 characters, matching the display
// convention used by most API-key issuers (e.g. "sk-...ab12cd").
func keyID(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return "***" + token[len(token)-6:]
}
