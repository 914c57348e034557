package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// value reads the current value of a counter or gauge.
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetWorkersLive(3)
	m.WorkerRespawned()
	m.ConnectionRouted(1)
	m.IPCMessage("worker_ready", "in")
	m.AggregationCompleted("init")
	m.HashComputed(time.Millisecond)
	m.SetWatchedPaths(1)
	m.ExtensionLoad("plugin", "cold")
	m.ExtensionActivated("plugin")
	m.JobTransition("running")
	m.SetJobsActive(1)
	m.JobBroadcast("local", 2)
	m.SetRealtimeClients(4)
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.HashComputed(5 * time.Millisecond)
	m.HashComputed(5 * time.Millisecond)
	if got := value(t, m.hashComputations); got != 2 {
		t.Errorf("hash computations = %v, want 2", got)
	}

	m.ExtensionLoad("plugin", "cold")
	m.ExtensionLoad("plugin", "reuse")
	m.ExtensionLoad("plugin", "reuse")
	if got := value(t, m.extensionLoads.WithLabelValues("plugin", "reuse")); got != 2 {
		t.Errorf("reuse loads = %v, want 2", got)
	}

	m.JobBroadcast("local", 3)
	if got := value(t, m.jobBroadcasts.WithLabelValues("local")); got != 3 {
		t.Errorf("local broadcasts = %v, want 3", got)
	}

	m.SetWorkersLive(4)
	if got := value(t, m.workersLive); got != 4 {
		t.Errorf("workers live = %v, want 4", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	count := 0
	for _, mf := range families {
		if mf.GetName() == "test_foldercache_hash_computations_total" {
			count += len(mf.GetMetric())
		}
	}
	if count != 1 {
		t.Errorf("expected one series, got %d", count)
	}
}
