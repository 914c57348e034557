//go:build linux

package node

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/hive/internal/config"
	"github.com/vango-dev/hive/pkg/cluster"
	"github.com/vango-dev/hive/pkg/ipc"
	"github.com/vango-dev/hive/pkg/jobs"
	"github.com/vango-dev/hive/pkg/options"
	"github.com/vango-dev/hive/pkg/store/memory"
)

const (
	adminToken  = "admin-token"
	viewerToken = "viewer-token"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New()
	cfg.Extensions.PluginsDir = filepath.Join(dir, "plugins")
	cfg.Extensions.ThemesDir = filepath.Join(dir, "themes")
	cfg.Extensions.Debounce = "10ms"
	cfg.Jobs.Store = "memory"
	cfg.Options.Store = "memory"
	cfg.Metrics.Enabled = true
	cfg.Auth.Tokens = map[string]config.PrincipalConfig{
		adminToken:  {ID: "admin", Capabilities: []string{CapManageJobs, CapManageOptions}},
		viewerToken: {ID: "viewer"},
	}
	require.NoError(t, os.MkdirAll(cfg.Extensions.PluginsDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Extensions.ThemesDir, 0o755))
	return cfg
}

func writePlugin(t *testing.T, cfg *config.Config, slug, body string) {
	t.Helper()
	dir := filepath.Join(cfg.PluginsPath(), slug)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := "name: " + slug + "\nroutes:\n  - path: /" + slug + "\n    body: \"" + body + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultEntrypoint), []byte(manifest), 0o644))
}

// harness is one Node whose supervisor end of the channel is read by the test.
type harness struct {
	node  *Node
	store *memory.Store
	sup   *ipc.Channel
	msgs  chan ipc.Envelope
}

func newHarness(t *testing.T, workerID int, cfg *config.Config) *harness {
	t.Helper()
	parent, child, err := ipc.Pair()
	require.NoError(t, err)
	sup, err := ipc.NewChannel(parent, ipc.JSONCodec{})
	require.NoError(t, err)
	wch, err := ipc.NewChannel(child, ipc.JSONCodec{})
	require.NoError(t, err)
	parent.Close()
	child.Close()

	store := memory.New()
	n, err := New(Options{
		Config:   cfg,
		Worker:   cluster.NewWorker(workerID, wch, discard),
		Stores:   &Stores{Jobs: store, Options: store},
		Registry: prometheus.NewRegistry(),
		Logger:   discard,
	})
	require.NoError(t, err)

	h := &harness{node: n, store: store, sup: sup, msgs: make(chan ipc.Envelope, 64)}
	go func() {
		for {
			msg, err := sup.Recv()
			if err != nil {
				return
			}
			h.msgs <- msg.Envelope
		}
	}()
	t.Cleanup(func() {
		sup.Close()
		n.close()
	})
	return h
}

// expect waits for the next message of kind, skipping others.
func (h *harness) expect(t *testing.T, kind ipc.Kind) ipc.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-h.msgs:
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
			return ipc.Envelope{}
		}
	}
}

func (h *harness) do(method, target, token, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.node.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newHarness(t, 1, testConfig(t))

	rec := h.do(http.MethodGet, "/_hive/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.WorkerID)
	assert.True(t, body.Elected)
	assert.Empty(t, body.ActiveJobs)
}

func TestOperationalEndpointsRequireCapability(t *testing.T) {
	h := newHarness(t, 2, testConfig(t))
	assert.False(t, h.node.Elected())

	tests := []struct {
		method string
		path   string
		token  string
		status int
	}{
		{http.MethodGet, "/_hive/jobs", "", http.StatusUnauthorized},
		{http.MethodGet, "/_hive/jobs", "wrong", http.StatusUnauthorized},
		{http.MethodGet, "/_hive/jobs", viewerToken, http.StatusForbidden},
		{http.MethodGet, "/_hive/jobs", adminToken, http.StatusOK},
		{http.MethodGet, "/_hive/options/active", viewerToken, http.StatusForbidden},
		{http.MethodGet, "/_hive/options/active", adminToken, http.StatusOK},
		{http.MethodPost, "/_hive/restart", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := h.do(tt.method, tt.path, tt.token, "")
		assert.Equal(t, tt.status, rec.Code, "%s %s token=%q", tt.method, tt.path, tt.token)
	}
}

func TestJobEndpoints(t *testing.T) {
	h := newHarness(t, 1, testConfig(t))
	ctx := context.Background()

	handle, err := h.node.Jobs().CreateJob(ctx, jobs.Spec{Name: "import", Type: "import"})
	require.NoError(t, err)
	require.NoError(t, handle.Start(ctx))

	// Every transition is relayed to sibling workers.
	env := h.expect(t, ipc.KindJobBroadcast)
	var b ipc.JobBroadcast
	require.NoError(t, ipc.Decode(ipc.JSONCodec{}, env, &b))
	assert.Equal(t, handle.ID(), b.JobID)

	rec := h.do(http.MethodGet, "/_hive/jobs/"+handle.ID(), adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, jobs.StatusRunning, got.Status)

	rec = h.do(http.MethodGet, "/_hive/jobs?status=running&type=import", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = h.do(http.MethodPost, "/_hive/jobs/"+handle.ID()+"/cancel", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobs.StatusCancelled, handle.Snapshot().Status)

	rec = h.do(http.MethodPost, "/_hive/jobs/"+handle.ID()+"/cancel", adminToken, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"E112"`)

	rec = h.do(http.MethodGet, "/_hive/jobs/"+jobs.NewJobID(), adminToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/_hive/jobs?status=bogus", adminToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJobOwnedBySibling(t *testing.T) {
	h := newHarness(t, 1, testConfig(t))
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.store.CreateJob(ctx, &jobs.Job{
		JobID: jobs.NewJobID(), Name: "elsewhere", Status: jobs.StatusRunning, CreatedAt: now, UpdatedAt: now,
	}))
	list, err := h.store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	rec := h.do(http.MethodPost, "/_hive/jobs/"+list[0].JobID+"/cancel", adminToken, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "another worker")
}

func TestRetentionSweep(t *testing.T) {
	h := newHarness(t, 1, testConfig(t))
	ctx := context.Background()

	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, h.store.CreateJob(ctx, &jobs.Job{
		JobID: jobs.NewJobID(), Name: "old", Status: jobs.StatusCompleted,
		CreatedAt: old, UpdatedAt: old, CompletedAt: &old,
	}))

	rec := h.do(http.MethodPost, "/_hive/jobs/cleanup", adminToken, `{"daysOld":30}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var sweep jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sweep))
	assert.Equal(t, RetentionJobType, sweep.Type)
	assert.Equal(t, jobs.StatusCompleted, sweep.Status)
	assert.Equal(t, "admin", sweep.CreatedBy)
	assert.Equal(t, map[string]any{"removed": float64(1)}, sweep.Result)

	list, err := h.store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1, "only the sweep job remains")
	assert.Equal(t, sweep.JobID, list[0].JobID)

	rec = h.do(http.MethodPost, "/_hive/jobs/cleanup", adminToken, `{"daysOld":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtensionPipeline(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, cfg, "hello", "hi there")
	h := newHarness(t, 1, cfg)
	ctx := context.Background()

	rec := h.do(http.MethodGet, "/hello", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "inactive plugins serve nothing")

	rec = h.do(http.MethodPost, "/_hive/options/active", adminToken, `{"plugins":["hello"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	h.expect(t, ipc.KindOptionsUpdated)

	stored, err := h.store.LoadActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, stored.Plugins)

	rec = h.do(http.MethodGet, "/hello", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi there", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Hive-Extension"), "hello@"))

	rec = h.do(http.MethodGet, "/nothing-here", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The elected worker records the one-time activation.
	h.node.plugins.Wait()
	var act Activation
	found, err := options.Get(ctx, h.store, ActivationOption("hello"), &act)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, act.WorkerID)

	rec = h.do(http.MethodGet, "/_hive/health", "", "")
	var health Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Len(t, health.Plugins, 1)
	assert.True(t, health.Plugins[0].Activated)
}

func TestRestartSendsDirective(t *testing.T) {
	h := newHarness(t, 1, testConfig(t))

	rec := h.do(http.MethodPost, "/_hive/restart", adminToken, `{"reason":"deploy"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	env := h.expect(t, ipc.KindRestartServer)
	var r ipc.Restart
	require.NoError(t, ipc.Decode(ipc.JSONCodec{}, env, &r))
	assert.Equal(t, "deploy", r.Reason)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, 1, testConfig(t))
	h.do(http.MethodGet, "/_hive/health", "", "")

	rec := h.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `hive_http_requests_total{method="GET",route="/_hive/health",status="200"} 1`)
}

func TestRunReportsAndStopsOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, cfg, "hello", "hi")
	h := newHarness(t, 1, cfg)
	require.NoError(t, h.store.SaveActive(context.Background(), options.ActiveSet{Plugins: []string{"hello", "ghost"}}))

	done := make(chan error, 1)
	go func() { done <- h.node.Run(context.Background()) }()

	var ready ipc.WorkerStatus
	require.NoError(t, ipc.Decode(ipc.JSONCodec{}, h.expect(t, ipc.KindWorkerReady), &ready))
	assert.True(t, ready.Elected)

	var loaded ipc.WorkerStatus
	require.NoError(t, ipc.Decode(ipc.JSONCodec{}, h.expect(t, ipc.KindPluginsLoaded), &loaded))
	assert.Equal(t, []string{"hello"}, loaded.Loaded)
	assert.Equal(t, []string{"ghost"}, loaded.Failed)

	require.NoError(t, h.sup.Send(ipc.KindReinitialize, nil))
	h.expect(t, ipc.KindPluginsLoaded)

	require.NoError(t, h.sup.Send(ipc.KindShutdown, ipc.Shutdown{GraceMs: 500, Reason: "test"}))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("node did not stop")
	}
}
