package auth

import (
	"context"
	"net/http"
	"slices"

	"github.com/vango-dev/hive/internal/errors"
)

var (
	// ErrUnauthorized is returned when authentication is required but not present.
	ErrUnauthorized = errors.New(errors.CodeUnauthorized)

	// ErrForbidden is returned when the principal lacks every required capability.
	ErrForbidden = errors.New(errors.CodeForbidden)
)

// Principal is the authenticated identity behind a request.
type Principal struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Can reports whether p holds capability.
func (p Principal) Can(capability string) bool {
	return slices.Contains(p.Capabilities, capability)
}

// CanAny reports whether p holds at least one of capabilities. An empty
// list is satisfied by any principal.
func (p Principal) CanAny(capabilities []string) bool {
	if len(capabilities) == 0 {
		return true
	}
	for _, c := range capabilities {
		if p.Can(c) {
			return true
		}
	}
	return false
}

// Authenticator resolves the principal of a request. It returns
// ErrUnauthorized for anonymous requests.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (Principal, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(r *http.Request) (Principal, error) { return f(r) }

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
