package node

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/hive/internal/errors"
	"github.com/vango-dev/hive/pkg/auth"
	"github.com/vango-dev/hive/pkg/extension"
	"github.com/vango-dev/hive/pkg/ipc"
	"github.com/vango-dev/hive/pkg/jobs"
	"github.com/vango-dev/hive/pkg/middleware"
	"github.com/vango-dev/hive/pkg/options"
)

// Capabilities checked by the operational endpoints.
const (
	CapManageJobs    = "manage_jobs"
	CapManageOptions = "manage_options"
)

func (n *Node) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(n.logger),
		middleware.OpenTelemetry(
			middleware.WithTracerProvider(n.tp),
			middleware.WithIncludePrincipal(true),
		),
		middleware.Prometheus(
			middleware.WithRegistry(n.registry),
			middleware.WithNamespace(n.cfg.Metrics.Namespace),
		),
		middleware.RequestLogger(n.logger),
		auth.Middleware(n.authn),
	)

	r.Get("/_hive/health", n.handleHealth)
	r.Handle("/_hive/realtime", n.hub)
	if n.cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAny(CapManageJobs))
		r.Get("/_hive/jobs", n.handleListJobs)
		r.Post("/_hive/jobs/cleanup", n.handleCleanup)
		r.Get("/_hive/jobs/{jobID}", n.handleGetJob)
		r.Post("/_hive/jobs/{jobID}/cancel", n.handleCancelJob)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAny(CapManageOptions))
		r.Get("/_hive/options/active", n.handleGetActive)
		r.Post("/_hive/options/active", n.handleSetActive)
		r.Post("/_hive/restart", n.handleRestart)
	})

	r.NotFound(n.serveExtensions)
	return r
}

// serveExtensions runs the extension pipeline for the request and serves it
// through the routes the active extensions registered.
func (n *Node) serveExtensions(w http.ResponseWriter, r *http.Request) {
	router := chi.NewRouter()
	n.initExtensions(r.Context(), router)
	extension.Handler(router, http.NotFoundHandler()).ServeHTTP(w, r)
}

// Health is the body of GET /_hive/health.
type Health struct {
	WorkerID        int                `json:"workerId"`
	Elected         bool               `json:"elected"`
	Plugins         []extension.Status `json:"plugins"`
	Themes          []extension.Status `json:"themes"`
	Active          options.ActiveSet  `json:"active"`
	ActiveJobs      []string           `json:"activeJobs"`
	RealtimeClients int                `json:"realtimeClients"`
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		WorkerID:        n.worker.ID(),
		Elected:         n.elected,
		Plugins:         n.plugins.Statuses(),
		Themes:          n.themes.Statuses(),
		Active:          n.options.Current(),
		ActiveJobs:      n.jobs.Active(),
		RealtimeClients: n.hub.ClientCount(),
	})
}

func (n *Node) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := n.jobs.ListJobs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (n *Node) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := n.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleCancelJob cancels a job owned by this worker. A live job owned by a
// sibling worker answers 409; its timer and handle live there.
func (n *Node) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	h, ok := n.jobs.Handle(id)
	if !ok {
		j, err := n.jobs.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		detail := "Job is " + string(j.Status)
		if !j.Status.Terminal() {
			detail = "Job is owned by another worker"
		}
		writeError(w, jobs.ErrInvalidTransition.WithSubject(id).WithDetail(detail))
		return
	}
	if err := h.Cancel(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Snapshot())
}

type cleanupRequest struct {
	DaysOld int `json:"daysOld"`
}

func (n *Node) handleCleanup(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{DaysOld: n.cfg.Jobs.RetentionDays}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.New(errors.CodeConfigValue).WithSubject("request body").Wrap(err))
			return
		}
	}
	if req.DaysOld <= 0 {
		writeError(w, errors.New(errors.CodeConfigValue).
			WithSubject("daysOld").
			WithDetail("daysOld must be positive"))
		return
	}
	p, _ := auth.FromContext(r.Context())
	j, err := n.RunRetention(r.Context(), req.DaysOld, p.ID)
	if err != nil && j == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (n *Node) handleGetActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.options.Current())
}

// handleSetActive replaces the active set. The supervisor then asks every
// worker, this one included, to reload.
func (n *Node) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var set options.ActiveSet
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		writeError(w, errors.New(errors.CodeConfigValue).WithSubject("active set").Wrap(err))
		return
	}
	if set.Plugins == nil {
		set.Plugins = []string{}
	}
	if err := n.options.Replace(r.Context(), set); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

type restartRequest struct {
	Reason string `json:"reason"`
}

func (n *Node) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "requested over http"
	}
	if err := n.worker.Send(ipc.KindRestartServer, ipc.Restart{Reason: req.Reason}); err != nil {
		writeError(w, errors.New(errors.CodeClusterTransport).Wrap(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// parseFilter reads a jobs.Filter from the query string:
// status (comma separated), type, source, createdBy, since (RFC 3339),
// limit and offset.
func parseFilter(r *http.Request) (jobs.Filter, error) {
	q := r.URL.Query()
	f := jobs.Filter{
		Type:      q.Get("type"),
		Source:    q.Get("source"),
		CreatedBy: q.Get("createdBy"),
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			st := jobs.Status(strings.TrimSpace(s))
			if !st.Valid() {
				return f, errors.New(errors.CodeConfigValue).WithSubject("status").WithDetail("Unknown status " + string(st))
			}
			f.Status = append(f.Status, st)
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New(errors.CodeConfigValue).WithSubject("since").Wrap(err)
		}
		f.Since = t
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil || i < 0 {
				return f, errors.New(errors.CodeConfigValue).WithSubject(name).WithDetail("Must be a non-negative integer")
			}
			*dst = i
		}
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the coded error as JSON.
func writeError(w http.ResponseWriter, err error) {
	he := errors.FromError(err, errors.CodePersistenceFailed)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(he.Code))
	_, _ = w.Write([]byte(he.FormatJSON()))
}

func statusFor(code string) int {
	switch code {
	case errors.CodeJobNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidTransition:
		return http.StatusConflict
	case errors.CodeConfigValue:
		return http.StatusBadRequest
	case errors.CodeUnauthorized:
		return http.StatusUnauthorized
	case errors.CodeForbidden:
		return http.StatusForbidden
	case errors.CodeClusterTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
