// Package auth resolves the principal behind an operational request and
// checks its capabilities.
//
// Hive does not manage users. An Authenticator maps a request to a
// Principal; the shipped TokenAuthenticator reads a bearer token (or a
// "token" query parameter, for browser websockets) and looks it up in the
// tokens configured under auth.tokens.
//
// # Middleware
//
//	r.With(auth.Middleware(authn), auth.RequireAny("manage_jobs")).
//	    Get("/_hive/jobs", listJobs)
//
// Middleware stores the principal in the request context, or leaves it
// absent for anonymous requests. RequireAny answers 401 for anonymous
// requests and 403 when the principal holds none of the capabilities.
package auth
