// Package middleware provides the net/http middleware stack of a hive worker.
//
// This package includes:
//   - OpenTelemetry request tracing
//   - Prometheus request metrics
//   - Request logging and panic recovery
//
// All middleware has the func(http.Handler) http.Handler shape and composes
// with chi:
//
//	r := chi.NewRouter()
//	r.Use(
//	    middleware.Recoverer(logger),
//	    middleware.OpenTelemetry(middleware.WithIncludePrincipal(true)),
//	    middleware.Prometheus(middleware.WithRegistry(reg)),
//	    middleware.RequestLogger(logger),
//	)
//
// # Route labels
//
// Metrics, spans and log lines carry the matched chi route pattern rather than
// the raw path, so "/_hive/jobs/{jobID}" stays a single series. Requests
// served by the extension fallback carry the label "unmatched".
//
// # Context Propagation
//
// OpenTelemetry places the span on the request context. Stores and outbound
// clients that receive r.Context() join the trace:
//
//	job, err := coordinator.GetJob(r.Context(), id)
package middleware
