package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/hive/internal/errors"
	"github.com/vango-dev/hive/internal/metrics"
)

// tracerName is the instrumentation scope name for job tracing.
const tracerName = "github.com/vango-dev/hive/pkg/jobs"

// DefaultCapabilities are required any-of to receive job broadcasts.
var DefaultCapabilities = []string{"manage_options", "manage_jobs"}

// Update is the realtime message carrying a job snapshot.
type Update struct {
	Type string `json:"type"`
	Job  *Job   `json:"job"`
}

// UpdateType is the Update.Type of job snapshots.
const UpdateType = "job"

// Options configures a Coordinator.
type Options struct {
	// Store is the durable job table. Required.
	Store Store

	// Broadcaster reaches local realtime clients. Optional.
	Broadcaster Broadcaster

	// Relay reaches sibling workers. Optional.
	Relay Relay

	// Archiver receives jobs before CleanupOldJobs deletes them. Optional.
	Archiver Archiver

	// Capabilities gate who receives broadcasts. Defaults to DefaultCapabilities.
	Capabilities []string

	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator owns the live job handles of one worker.
type Coordinator struct {
	store        Store
	broadcaster  Broadcaster
	relay        Relay
	archiver     Archiver
	capabilities []string
	tracer       trace.Tracer
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu     sync.Mutex
	active map[string]*Handle
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Capabilities == nil {
		opts.Capabilities = DefaultCapabilities
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:        opts.Store,
		broadcaster:  opts.Broadcaster,
		relay:        opts.Relay,
		archiver:     opts.Archiver,
		capabilities: opts.Capabilities,
		tracer:       opts.Tracer,
		logger:       opts.Logger.With("component", "jobs"),
		metrics:      opts.Metrics,
		now:          opts.Now,
		active:       make(map[string]*Handle),
	}
}

// CreateJob persists a pending job and returns its live handle.
func (c *Coordinator) CreateJob(ctx context.Context, spec Spec) (*Handle, error) {
	now := c.now()
	j := &Job{
		JobID:       NewJobID(),
		Name:        spec.Name,
		Description: spec.Description,
		Type:        spec.Type,
		Status:      StatusPending,
		Progress:    0,
		Metadata:    maps.Clone(spec.Metadata),
		TimeoutMs:   spec.TimeoutMs,
		CreatedAt:   now,
		UpdatedAt:   now,
		Source:      spec.Source,
		CreatedBy:   spec.CreatedBy,
	}

	ctx, span := c.startSpan(ctx, "create", j)
	defer span.End()

	if err := c.store.CreateJob(ctx, j); err != nil {
		err = persistenceError(j.JobID, err)
		endSpan(span, err)
		return nil, err
	}
	endSpan(span, nil)

	// The pending snapshot goes out under the handle lock, ahead of any
	// transition another goroutine starts once the handle is visible.
	h := &Handle{c: c, job: j}
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	c.active[j.JobID] = h
	n := len(c.active)
	c.mu.Unlock()
	c.metrics.SetJobsActive(n)
	c.metrics.JobTransition(string(StatusPending))

	c.logger.Debug("job created", "job_id", j.JobID, "name", j.Name)
	c.broadcast(ctx, j)
	return h, nil
}

// Handle returns the live handle for jobID if it was created on this worker
// and has not reached a terminal state.
func (c *Coordinator) Handle(jobID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.active[jobID]
	return h, ok
}

// Active returns the ids of live handles, sorted.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetJob reads a job from the store.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs fetches every job and filters in process.
func (c *Coordinator) ListJobs(ctx context.Context, f Filter) ([]*Job, error) {
	all, err := c.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	return f.Apply(all), nil
}

// CleanupOldJobs deletes terminal jobs that finished more than daysOld days
// ago. Jobs are archived first when an Archiver is configured; an archive
// failure aborts the cleanup. It returns the number of deleted jobs.
func (c *Coordinator) CleanupOldJobs(ctx context.Context, daysOld int) (int, error) {
	if daysOld <= 0 {
		return 0, nil
	}
	all, err := c.store.ListJobs(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := c.now().Add(-time.Duration(daysOld) * 24 * time.Hour)
	var (
		old []*Job
		ids []string
	)
	for _, j := range all {
		if !j.Status.Terminal() {
			continue
		}
		finished := j.UpdatedAt
		if j.CompletedAt != nil {
			finished = *j.CompletedAt
		}
		if finished.Before(cutoff) {
			old = append(old, j)
			ids = append(ids, j.JobID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, old); err != nil {
			return 0, fmt.Errorf("jobs: archive before cleanup: %w", err)
		}
	}
	n, err := c.store.DeleteJobs(ctx, ids)
	if err != nil {
		return 0, err
	}
	c.logger.Info("cleaned up old jobs", "deleted", n, "days_old", daysOld)
	return n, nil
}

// DeliverRelayed pushes a snapshot relayed from a sibling worker to local
// clients only.
func (c *Coordinator) DeliverRelayed(jobID string, snapshot []byte, capabilities []string) int {
	if c.broadcaster == nil {
		return 0
	}
	if capabilities == nil {
		capabilities = c.capabilities
	}
	n := c.broadcaster.Publish(snapshot, capabilities)
	c.metrics.JobBroadcast("relayed", n)
	return n
}

// Close stops every armed timeout timer. Handles stay usable.
func (c *Coordinator) Close() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.active))
	for _, h := range c.active {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		h.stopTimerLocked()
		h.mu.Unlock()
	}
}

func (c *Coordinator) retire(jobID string) {
	c.mu.Lock()
	delete(c.active, jobID)
	n := len(c.active)
	c.mu.Unlock()
	c.metrics.SetJobsActive(n)
}

// broadcast pushes the snapshot locally and relays it to siblings. Failures
// are logged and never fail the transition.
func (c *Coordinator) broadcast(ctx context.Context, j *Job) {
	snapshot, err := json.Marshal(Update{Type: UpdateType, Job: j})
	if err != nil {
		c.logger.Warn("encode job snapshot failed", "job_id", j.JobID, "error", err)
		return
	}

	if c.broadcaster != nil {
		n := c.broadcaster.Publish(snapshot, c.capabilities)
		c.metrics.JobBroadcast("local", n)
	}
	if c.relay != nil {
		if err := c.relay.RelayJob(ctx, j.JobID, snapshot, c.capabilities); err != nil {
			c.logger.Warn("relay job broadcast failed", "job_id", j.JobID, "error", err)
			return
		}
		c.metrics.JobBroadcast("relay", 1)
	}
}

func (c *Coordinator) startSpan(ctx context.Context, op string, j *Job) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "hive.job."+op,
		trace.WithAttributes(
			attribute.String("hive.job.id", j.JobID),
			attribute.String("hive.job.name", j.Name),
			attribute.String("hive.job.type", j.Type),
			attribute.String("hive.job.status", string(j.Status)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func persistenceError(jobID string, err error) error {
	return errors.New(errors.CodePersistenceFailed).WithSubject(jobID).Wrap(err)
}
