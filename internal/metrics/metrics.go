// Package metrics holds the Prometheus collectors shared by the supervisor,
// the workers, and their components.
//
// Every recording method is safe on a nil *Metrics, so components accept an
// optional collector set and record unconditionally.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collector set.
type Config struct {
	// Namespace is the metrics namespace (default: "hive").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collector set.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "hive",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics is the hive collector set.
type Metrics struct {
	workersLive       prometheus.Gauge
	workerRespawns    prometheus.Counter
	connectionsRouted *prometheus.CounterVec
	ipcMessages       *prometheus.CounterVec
	aggregations      *prometheus.CounterVec

	hashComputations prometheus.Counter
	hashDuration     prometheus.Histogram
	watchedPaths     prometheus.Gauge

	extensionLoads       *prometheus.CounterVec
	extensionActivations *prometheus.CounterVec

	jobTransitions *prometheus.CounterVec
	jobsActive     prometheus.Gauge
	jobBroadcasts  *prometheus.CounterVec

	realtimeClients prometheus.Gauge
}

// New registers and returns the hive collector set.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		workersLive:       gauge("cluster", "workers_live", "Number of live worker processes"),
		workerRespawns:    counter("cluster", "worker_respawns_total", "Workers spawned to replace an exited worker"),
		connectionsRouted: counterVec("cluster", "connections_routed_total", "Connections handed to a worker", "worker"),
		ipcMessages:       counterVec("cluster", "ipc_messages_total", "IPC envelopes by kind and direction", "kind", "direction"),
		aggregations:      counterVec("cluster", "aggregations_total", "Completed aggregation rounds", "round"),

		hashComputations: counter("foldercache", "hash_computations_total", "Folder content hash computations"),
		hashDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   "foldercache",
			Name:        "hash_duration_seconds",
			Help:        "Folder content hash computation duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
		watchedPaths: gauge("foldercache", "watched_paths", "Folder trees with an active watcher"),

		extensionLoads:       counterVec("extension", "loads_total", "Extension loads by kind and outcome", "kind", "outcome"),
		extensionActivations: counterVec("extension", "activations_total", "Extension activation hooks run", "kind"),

		jobTransitions: counterVec("jobs", "transitions_total", "Job state transitions by resulting status", "status"),
		jobsActive:     gauge("jobs", "active", "Jobs with a live handle on this worker"),
		jobBroadcasts:  counterVec("jobs", "broadcasts_total", "Job snapshots delivered by scope", "scope"),

		realtimeClients: gauge("realtime", "clients", "Connected realtime clients"),
	}
}

// SetWorkersLive records the live worker count.
func (m *Metrics) SetWorkersLive(n int) {
	if m == nil {
		return
	}
	m.workersLive.Set(float64(n))
}

// WorkerRespawned counts a replacement spawn.
func (m *Metrics) WorkerRespawned() {
	if m == nil {
		return
	}
	m.workerRespawns.Inc()
}

// ConnectionRouted counts a connection handed to worker id.
func (m *Metrics) ConnectionRouted(id int) {
	if m == nil {
		return
	}
	m.connectionsRouted.WithLabelValues(strconv.Itoa(id)).Inc()
}

// IPCMessage counts an envelope; direction is "in" or "out".
func (m *Metrics) IPCMessage(kind, direction string) {
	if m == nil {
		return
	}
	m.ipcMessages.WithLabelValues(kind, direction).Inc()
}

// AggregationCompleted counts a completed aggregation round.
func (m *Metrics) AggregationCompleted(round string) {
	if m == nil {
		return
	}
	m.aggregations.WithLabelValues(round).Inc()
}

// HashComputed records one folder hash computation.
func (m *Metrics) HashComputed(d time.Duration) {
	if m == nil {
		return
	}
	m.hashComputations.Inc()
	m.hashDuration.Observe(d.Seconds())
}

// SetWatchedPaths records the number of watched trees.
func (m *Metrics) SetWatchedPaths(n int) {
	if m == nil {
		return
	}
	m.watchedPaths.Set(float64(n))
}

// ExtensionLoad counts a per-request load decision (cold, hot, reuse, failed, missing).
func (m *Metrics) ExtensionLoad(kind, outcome string) {
	if m == nil {
		return
	}
	m.extensionLoads.WithLabelValues(kind, outcome).Inc()
}

// ExtensionActivated counts an activation hook run.
func (m *Metrics) ExtensionActivated(kind string) {
	if m == nil {
		return
	}
	m.extensionActivations.WithLabelValues(kind).Inc()
}

// JobTransition counts a committed transition into status.
func (m *Metrics) JobTransition(status string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(status).Inc()
}

// SetJobsActive records the number of live job handles.
func (m *Metrics) SetJobsActive(n int) {
	if m == nil {
		return
	}
	m.jobsActive.Set(float64(n))
}

// JobBroadcast counts snapshots delivered; scope is "local", "relay", or "relayed".
func (m *Metrics) JobBroadcast(scope string, n int) {
	if m == nil {
		return
	}
	m.jobBroadcasts.WithLabelValues(scope).Add(float64(n))
}

// SetRealtimeClients records the connected realtime client count.
func (m *Metrics) SetRealtimeClients(n int) {
	if m == nil {
		return
	}
	m.realtimeClients.Set(float64(n))
}
