package node

import (
	"context"
	"time"

	"github.com/vango-dev/hive/pkg/extension"
	"github.com/vango-dev/hive/pkg/jobs"
	"github.com/vango-dev/hive/pkg/options"
)

// Job type and source of the retention sweep.
const (
	RetentionJobType = "retention"
	jobSource        = "hive"
)

// ActivationOption is the option name that records when slug was activated.
func ActivationOption(slug string) string { return "activated:" + slug }

// Activation is the value stored under ActivationOption.
type Activation struct {
	Kind        extension.Kind `json:"kind"`
	WorkerID    int            `json:"workerId"`
	ActivatedAt time.Time      `json:"activatedAt"`
}

// recordActivation is the registries' OnActivate hook.
func (n *Node) recordActivation(ctx context.Context, src extension.Source) error {
	return options.Set(ctx, n.stores.Options, ActivationOption(src.Slug), Activation{
		Kind:        src.Kind,
		WorkerID:    n.worker.ID(),
		ActivatedAt: time.Now().UTC(),
	})
}

// sweepLoop runs the retention sweep every cleanup interval until ctx is done.
func (n *Node) sweepLoop(ctx context.Context) {
	if n.cfg.Jobs.RetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(n.cfg.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.RunRetention(ctx, n.cfg.Jobs.RetentionDays, "scheduler"); err != nil {
				n.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// RunRetention removes terminal jobs older than daysOld, tracking the sweep
// itself as a job so realtime clients see it. The returned job is the sweep
// in its terminal state.
func (n *Node) RunRetention(ctx context.Context, daysOld int, createdBy string) (*jobs.Job, error) {
	h, err := n.jobs.CreateJob(ctx, jobs.Spec{
		Name:      "Remove finished jobs",
		Type:      RetentionJobType,
		Source:    jobSource,
		CreatedBy: createdBy,
		Metadata:  map[string]any{"daysOld": daysOld},
	})
	if err != nil {
		return nil, err
	}
	if err := h.Start(ctx); err != nil {
		return h.Snapshot(), err
	}

	removed, err := n.jobs.CleanupOldJobs(ctx, daysOld)
	if err != nil {
		if ferr := h.Fail(ctx, err.Error()); ferr != nil {
			n.logger.Warn("recording failed sweep", "job_id", h.ID(), "error", ferr)
		}
		return h.Snapshot(), err
	}
	if err := h.Complete(ctx, map[string]any{"removed": removed}); err != nil {
		return h.Snapshot(), err
	}
	return h.Snapshot(), nil
}
