package auth

import (
	"net/http"
)

// Middleware authenticates each request and stores the principal in its
// context. Anonymous requests pass through without one.
func Middleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authn != nil {
				if p, err := authn.Authenticate(r); err == nil {
					r = r.WithContext(WithPrincipal(r.Context(), p))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAny rejects requests whose principal holds none of capabilities.
//
//	r.With(auth.RequireAny("manage_options", "manage_jobs")).Get(...)
func RequireAny(capabilities ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="hive"`)
				http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
				return
			}
			if !p.CanAny(capabilities) {
				http.Error(w, ErrForbidden.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
