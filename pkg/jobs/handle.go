package jobs

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/vango-dev/hive/internal/errors"
)

// TimeoutMessage is the failure message of a job whose timer fired.
var TimeoutMessage = errors.New(errors.CodeJobTimedOut).Message

// Handle is the live, in-memory side of a job on the worker that created it.
// Transitions on one handle are serialized; each one persists, commits, and
// broadcasts before the next starts.
type Handle struct {
	c *Coordinator

	mu    sync.Mutex
	job   *Job
	timer *time.Timer
}

// ID returns the public job id.
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.JobID
}

// Snapshot returns a copy of the committed job.
func (h *Handle) Snapshot() *Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.Clone()
}

// Start moves a pending job to running and arms its timeout.
func (h *Handle) Start(ctx context.Context) error {
	return h.transition(ctx, "start", StatusRunning, []Status{StatusPending}, func(j *Job, now time.Time) {
		j.StartedAt = &now
	})
}

// UpdateProgress records progress on a running job. p is clamped to [0, 100]
// and patch is merged into the metadata, last write wins per key.
func (h *Handle) UpdateProgress(ctx context.Context, p int, patch map[string]any) error {
	return h.transition(ctx, "progress", StatusRunning, []Status{StatusRunning}, func(j *Job, _ time.Time) {
		j.Progress = ClampProgress(p)
		if len(patch) > 0 {
			if j.Metadata == nil {
				j.Metadata = make(map[string]any, len(patch))
			}
			maps.Copy(j.Metadata, patch)
		}
	})
}

// Complete finishes a running job with an optional result.
func (h *Handle) Complete(ctx context.Context, result any) error {
	return h.transition(ctx, "complete", StatusCompleted, []Status{StatusRunning}, func(j *Job, now time.Time) {
		j.Progress = 100
		j.Result = result
		j.CompletedAt = &now
	})
}

// Fail finishes a running job with an error message.
func (h *Handle) Fail(ctx context.Context, message string) error {
	return h.transition(ctx, "fail", StatusFailed, []Status{StatusRunning}, func(j *Job, now time.Time) {
		j.Error = message
		j.CompletedAt = &now
	})
}

// Cancel finishes a pending or running job.
func (h *Handle) Cancel(ctx context.Context) error {
	return h.transition(ctx, "cancel", StatusCancelled, []Status{StatusPending, StatusRunning}, func(j *Job, now time.Time) {
		j.CompletedAt = &now
	})
}

func (h *Handle) transition(ctx context.Context, op string, to Status, from []Status, mutate func(*Job, time.Time)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.c
	ctx, span := c.startSpan(ctx, op, h.job)
	defer span.End()

	if !statusIn(h.job.Status, from) {
		err := errors.New(errors.CodeInvalidTransition).
			WithSubject(h.job.JobID).
			WithDetail(fmt.Sprintf("Cannot %s a %s job.", op, h.job.Status))
		endSpan(span, err)
		return err
	}

	now := c.now()
	next := h.job.Clone()
	mutate(next, now)
	next.Status = to
	next.UpdatedAt = now

	if err := c.store.UpdateJob(ctx, next); err != nil {
		err = persistenceError(next.JobID, err)
		endSpan(span, err)
		return err
	}
	h.job = next
	endSpan(span, nil)
	c.metrics.JobTransition(string(to))

	switch {
	case to.Terminal():
		h.stopTimerLocked()
		c.retire(next.JobID)
	case op == "start" && next.TimeoutMs > 0:
		h.armTimerLocked(time.Duration(next.TimeoutMs) * time.Millisecond)
	}

	c.broadcast(ctx, next)
	return nil
}

func (h *Handle) armTimerLocked(d time.Duration) {
	h.stopTimerLocked()
	h.timer = time.AfterFunc(d, h.timeout)
}

func (h *Handle) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// timeout fails the job if it is still running when the timer fires.
func (h *Handle) timeout() {
	h.mu.Lock()
	running := h.job.Status == StatusRunning
	jobID := h.job.JobID
	h.mu.Unlock()
	if !running {
		return
	}

	err := h.Fail(context.Background(), TimeoutMessage)
	if err != nil && !errors.HasCode(err, errors.CodeInvalidTransition) {
		h.c.logger.Error("timeout transition failed", "job_id", jobID, "error", err)
		return
	}
	if err == nil {
		h.c.logger.Warn("job timed out", "job_id", jobID)
	}
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
