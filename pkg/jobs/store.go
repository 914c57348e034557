package jobs

import (
	"context"

	"github.com/vango-dev/hive/internal/errors"
)

var (
	// ErrJobNotFound is returned when a job id has no record.
	ErrJobNotFound = errors.New(errors.CodeJobNotFound)

	// ErrInvalidTransition is returned when a transition is not allowed from
	// the job's current status. The job is left unchanged.
	ErrInvalidTransition = errors.New(errors.CodeInvalidTransition)

	// ErrPersistence wraps store failures during a transition.
	ErrPersistence = errors.New(errors.CodePersistenceFailed)
)

// Store is the durable job table shared by every worker.
//
// Implementations need not filter: the coordinator filters in process after
// a bulk ListJobs.
type Store interface {
	// CreateJob inserts j and assigns j.ID.
	CreateJob(ctx context.Context, j *Job) error

	// UpdateJob replaces the record with j.JobID. Returns ErrJobNotFound if absent.
	UpdateJob(ctx context.Context, j *Job) error

	// GetJob returns the record for jobID or ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobs returns every record.
	ListJobs(ctx context.Context) ([]*Job, error)

	// DeleteJobs removes the given records and returns how many existed.
	DeleteJobs(ctx context.Context, jobIDs []string) (int, error)
}

// Broadcaster pushes a snapshot to local realtime connections whose
// principal holds at least one of anyOf. It returns the number of
// connections reached and handles per-connection failures itself.
type Broadcaster interface {
	Publish(payload []byte, anyOf []string) int
}

// Relay forwards a snapshot to sibling workers.
type Relay interface {
	RelayJob(ctx context.Context, jobID string, snapshot []byte, capabilities []string) error
}

// Archiver copies jobs elsewhere before CleanupOldJobs deletes them.
type Archiver interface {
	Archive(ctx context.Context, jobs []*Job) error
}
