package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuthenticator maps static tokens to principals.
type TokenAuthenticator struct {
	tokens map[string]Principal
}

// NewTokenAuthenticator creates an authenticator over tokens. The map is
// copied.
func NewTokenAuthenticator(tokens map[string]Principal) *TokenAuthenticator {
	t := &TokenAuthenticator{tokens: make(map[string]Principal, len(tokens))}
	for k, v := range tokens {
		if k != "" {
			t.tokens[k] = v
		}
	}
	return t
}

// Authenticate implements Authenticator.
func (t *TokenAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	token := Token(r)
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	// Constant-time compare against every token.
	var (
		found Principal
		ok    bool
	)
	for k, p := range t.tokens {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			found, ok = p, true
		}
	}
	if !ok {
		return Principal{}, ErrUnauthorized.WithDetail("Unknown token.")
	}
	return found, nil
}

// Token extracts a bearer token from the Authorization header, falling back
// to the "token" query parameter.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
	}
	return r.URL.Query().Get("token")
}
