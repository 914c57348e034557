//go:build linux

package node

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/hive/pkg/cluster"
	"github.com/vango-dev/hive/pkg/jobs"
	"github.com/vango-dev/hive/pkg/options"
	"github.com/vango-dev/hive/pkg/store/memory"
)

// TestClusterEndToEnd runs two nodes behind a supervisor in this process,
// sharing one store, and checks routing, job fan-out and reinitialize.
func TestClusterEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, cfg, "hello", "hello from hive")
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveActive(ctx, options.ActiveSet{Plugins: []string{}}))

	var (
		mu    sync.Mutex
		nodes = map[int]*Node{}
	)
	spawner := cluster.InProcessSpawner{
		Run: func(ctx context.Context, w *cluster.Worker) error {
			n, err := New(Options{
				Config:   cfg,
				Worker:   w,
				Stores:   &Stores{Jobs: store, Options: store},
				Registry: prometheus.NewRegistry(),
				Logger:   discard,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			nodes[w.ID()] = n
			mu.Unlock()
			return n.Run(ctx)
		},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	aggs := make(chan cluster.Aggregate, 16)
	sup := cluster.New(cluster.Options{
		Workers:     2,
		Listener:    ln,
		Spawner:     spawner,
		GraceWindow: 2 * time.Second,
		Logger:      discard,
		OnAggregate: func(a cluster.Aggregate) { aggs <- a },
	})

	runCtx, cancel := context.WithCancel(ctx)
	result := make(chan error, 1)
	go func() { result <- sup.Run(runCtx) }()
	defer func() {
		cancel()
		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("cluster did not stop")
		}
	}()

	waitRound := func(round string) cluster.Aggregate {
		t.Helper()
		for {
			select {
			case a := <-aggs:
				if a.Round == round {
					return a
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timeout waiting for %s round", round)
				return cluster.Aggregate{}
			}
		}
	}
	first := waitRound(cluster.RoundInit)
	require.Len(t, first.Results, 2)
	assert.Empty(t, first.Failed())
	waitRound(cluster.RoundPlugins)

	base := "http://" + ln.Addr().String()

	// Every connection from this host lands on the same worker.
	var health Health
	resp, err := http.Get(base + "/_hive/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	serving := health.WorkerID

	mu.Lock()
	var sibling *Node
	for id, n := range nodes {
		if id != serving {
			sibling = n
		}
	}
	mu.Unlock()
	require.NotNil(t, sibling)

	// A realtime client on the serving worker sees jobs run on its sibling.
	wsURL := "ws://" + ln.Addr().String() + "/_hive/realtime?token=" + adminToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return nodes[serving].hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	handle, err := sibling.Jobs().CreateJob(ctx, jobs.Spec{Name: "relayed"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var update jobs.Update
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, jobs.UpdateType, update.Type)
	assert.Equal(t, handle.ID(), update.Job.JobID)
	assert.Equal(t, jobs.StatusPending, update.Job.Status)

	// One transition, one delivery: nothing else arrives for this client.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var extra jobs.Update
	err = conn.ReadJSON(&extra)
	var ne net.Error
	require.ErrorAs(t, err, &ne, "unexpected second delivery %+v", extra)
	assert.True(t, ne.Timeout())

	// Activating a plugin through one worker reinitializes all of them.
	req, err := http.NewRequest(http.MethodPost, base+"/_hive/options/active", strings.NewReader(`{"plugins":["hello"]}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	plugins := waitRound(cluster.RoundPlugins)
	require.Len(t, plugins.Results, 2)
	for _, r := range plugins.Results {
		assert.Equal(t, []string{"hello"}, r.Status.Loaded, "worker %d", r.WorkerID)
	}
	assert.Equal(t, []string{"hello"}, sibling.Options().Current().Plugins)
}
