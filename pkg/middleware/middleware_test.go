package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-dev/hive/pkg/auth"
)

// =============================================================================
// Test Helpers
// =============================================================================

type recordedSpan struct {
	noop.Span
	mu     sync.Mutex
	name   string
	kind   trace.SpanKind
	attrs  map[attribute.Key]attribute.Value
	status codes.Code
	ended  bool
}

func (s *recordedSpan) IsRecording() bool { return true }

func (s *recordedSpan) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
}

func (s *recordedSpan) SetStatus(code codes.Code, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

func (s *recordedSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

type recordingTracer struct {
	noop.Tracer
	mu    sync.Mutex
	spans []*recordedSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	span := &recordedSpan{name: name, kind: cfg.SpanKind(), attrs: map[attribute.Key]attribute.Value{}}
	span.SetAttributes(cfg.Attributes()...)
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return trace.ContextWithSpan(ctx, span), span
}

type recordingProvider struct {
	noop.TracerProvider
	tracer *recordingTracer
}

func (p recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer { return p.tracer }

func newRecordingProvider() (recordingProvider, *recordingTracer) {
	t := &recordingTracer{}
	return recordingProvider{tracer: t}, t
}

func testRouter(mw ...func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Get("/_hive/jobs/{jobID}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "jobID") == "missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return r
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	require.NotNil(t, m.Counter)
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	require.NotNil(t, m.Gauge)
	return m.GetGauge().GetValue()
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	require.True(t, ok, "observer %T does not implement prometheus.Metric", o)
	var m dto.Metric
	require.NoError(t, metric.Write(&m))
	require.NotNil(t, m.Histogram)
	return m.GetHistogram().GetSampleCount()
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

// =============================================================================
// Prometheus
// =============================================================================

func TestPrometheusRecordsByRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(WithRegistry(reg))
	r := testRouter(c.Handler)

	serve(r, http.MethodGet, "/_hive/jobs/job_a")
	serve(r, http.MethodGet, "/_hive/jobs/job_b")
	serve(r, http.MethodGet, "/_hive/jobs/missing")

	route := "/_hive/jobs/{jobID}"
	assert.Equal(t, 2.0, counterValue(t, c.requestsTotal.WithLabelValues(route, "GET", "200")))
	assert.Equal(t, 1.0, counterValue(t, c.requestsTotal.WithLabelValues(route, "GET", "404")))
	assert.Equal(t, 1.0, counterValue(t, c.requestErrors.WithLabelValues(route, "not_found")))
	assert.Equal(t, 0.0, gaugeValue(t, c.inFlight))
	assert.Equal(t, uint64(3), histogramCount(t, c.requestDuration.WithLabelValues(route)))
}

func TestPrometheusUnmatchedRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(WithRegistry(reg))
	r := testRouter(c.Handler)

	serve(r, http.MethodGet, "/plugin/asset.css")

	assert.Equal(t, 1.0, counterValue(t, c.requestsTotal.WithLabelValues("unmatched", "GET", "404")))
}

func TestPrometheusNamespaceAndLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := testRouter(Prometheus(
		WithRegistry(reg),
		WithNamespace("site"),
		WithSubsystem("edge"),
		WithConstLabels(prometheus.Labels{"worker": "1"}),
		WithBuckets([]float64{0.1, 1}),
	))
	serve(r, http.MethodGet, "/boom")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
		for _, m := range f.GetMetric() {
			var found bool
			for _, l := range m.GetLabel() {
				if l.GetName() == "worker" && l.GetValue() == "1" {
					found = true
				}
			}
			assert.True(t, found, "const label missing on %s", f.GetName())
		}
	}
	assert.True(t, names["site_edge_requests_total"])
	assert.True(t, names["site_edge_request_errors_total"])
	assert.True(t, names["site_edge_request_duration_seconds"])
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusUnauthorized, "unauthorized"},
		{http.StatusForbidden, "forbidden"},
		{http.StatusNotFound, "not_found"},
		{http.StatusTooManyRequests, "rate_limit"},
		{http.StatusGatewayTimeout, "timeout"},
		{http.StatusServiceUnavailable, "unavailable"},
		{http.StatusBadRequest, "validation"},
		{http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeStatus(tt.status), "status %d", tt.status)
	}
}

// =============================================================================
// OpenTelemetry
// =============================================================================

func TestOpenTelemetrySpanPerRequest(t *testing.T) {
	tp, tracer := newRecordingProvider()
	var inHandler trace.Span
	r := chi.NewRouter()
	r.Use(OpenTelemetry(WithTracerProvider(tp)))
	r.Get("/_hive/jobs/{jobID}", func(w http.ResponseWriter, r *http.Request) {
		inHandler = SpanFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})

	serve(r, http.MethodGet, "/_hive/jobs/job_x")

	require.Len(t, tracer.spans, 1)
	span := tracer.spans[0]
	assert.Same(t, span, inHandler)
	assert.Equal(t, "GET /_hive/jobs/{jobID}", span.name)
	assert.Equal(t, trace.SpanKindServer, span.kind)
	assert.Equal(t, "/_hive/jobs/job_x", span.attrs["hive.path"].AsString())
	assert.Equal(t, "/_hive/jobs/{jobID}", span.attrs["hive.route"].AsString())
	assert.Equal(t, int64(http.StatusAccepted), span.attrs["hive.status"].AsInt64())
	assert.Equal(t, codes.Ok, span.status)
	assert.True(t, span.ended)
}

func TestOpenTelemetryServerErrorMarksSpan(t *testing.T) {
	tp, tracer := newRecordingProvider()
	r := testRouter(OpenTelemetry(WithTracerProvider(tp)))

	serve(r, http.MethodGet, "/boom")
	serve(r, http.MethodGet, "/_hive/jobs/missing")

	require.Len(t, tracer.spans, 2)
	assert.Equal(t, codes.Error, tracer.spans[0].status)
	assert.Equal(t, codes.Ok, tracer.spans[1].status, "client errors are not span failures")
}

func TestOpenTelemetryOptions(t *testing.T) {
	tp, tracer := newRecordingProvider()
	authn := auth.AuthenticatorFunc(func(*http.Request) (auth.Principal, error) {
		return auth.Principal{ID: "admin"}, nil
	})
	r := chi.NewRouter()
	r.Use(auth.Middleware(authn))
	r.Use(OpenTelemetry(
		WithTracerProvider(tp),
		WithIncludePrincipal(true),
		WithIncludeRoute(false),
		WithRequestFilter(func(r *http.Request) bool { return r.URL.Path != "/_hive/health" }),
		WithAttributeExtractor(func(r *http.Request) []attribute.KeyValue {
			return []attribute.KeyValue{attribute.String("test.attr", "ok")}
		}),
	))
	r.Get("/_hive/health", func(http.ResponseWriter, *http.Request) {})
	r.Get("/_hive/jobs", func(http.ResponseWriter, *http.Request) {})

	serve(r, http.MethodGet, "/_hive/health")
	serve(r, http.MethodGet, "/_hive/jobs")

	require.Len(t, tracer.spans, 1)
	span := tracer.spans[0]
	assert.Equal(t, "GET /_hive/jobs", span.name)
	assert.Equal(t, "admin", span.attrs["hive.principal"].AsString())
	assert.Equal(t, "ok", span.attrs["test.attr"].AsString())
	_, hasRoute := span.attrs["hive.route"]
	assert.False(t, hasRoute)
}

func TestSpanFromContextWithoutSpan(t *testing.T) {
	assert.Nil(t, SpanFromContext(context.Background()))
}

// =============================================================================
// Logging and recovery
// =============================================================================

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := testRouter(RequestLogger(logger))

	serve(r, http.MethodGet, "/_hive/jobs/job_a")

	out := buf.String()
	assert.Contains(t, out, "msg=request")
	assert.Contains(t, out, "route=/_hive/jobs/{jobID}")
	assert.Contains(t, out, "status=200")
	assert.Contains(t, out, "bytes=2")
}

func TestRecoverer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Recoverer(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rec := serve(h, http.MethodGet, "/")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "kaboom")
}

func TestRecovererReraisesAbort(t *testing.T) {
	h := Recoverer(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		serve(h, http.MethodGet, "/")
	})
}
