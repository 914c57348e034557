// Package jobs coordinates durable, progressable background jobs.
//
// A Coordinator persists job records through a Store and keeps a live Handle
// for every job created on this worker until the job reaches a terminal
// state. Every committed transition is pushed to local realtime clients and
// relayed to sibling workers.
package jobs

import (
	"maps"
	"time"

	"go.jetify.com/typeid/v2"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IDPrefix is the TypeID prefix of public job ids.
const IDPrefix = "job"

// Job is the persisted job record.
type Job struct {
	// ID is the store-assigned numeric key.
	ID int64 `json:"id"`

	// JobID is the public identifier, e.g. "job_01h2xcejqtf2nbrexx3vqjhp41".
	JobID string `json:"jobId"`

	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type,omitempty"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Result is the value passed to Complete.
	Result any `json:"result,omitempty"`

	// Error is the message passed to Fail.
	Error string `json:"error,omitempty"`

	// TimeoutMs fails a running job after this many milliseconds. Zero disables it.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Source      string     `json:"source,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"`
}

// Clone returns a copy whose metadata map and timestamps are not shared.
func (j *Job) Clone() *Job {
	c := *j
	c.Metadata = maps.Clone(j.Metadata)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Spec describes a job to create.
type Spec struct {
	Name        string
	Description string
	Type        string
	Metadata    map[string]any
	TimeoutMs   int64
	Source      string
	CreatedBy   string
}

// NewJobID returns a fresh public job id.
func NewJobID() string {
	tid, err := typeid.Generate(IDPrefix)
	if err != nil {
		panic("jobs: invalid typeid prefix: " + err.Error())
	}
	return tid.String()
}

// ValidJobID reports whether s parses as a job TypeID.
func ValidJobID(s string) bool {
	tid, err := typeid.Parse(s)
	return err == nil && tid.Prefix() == IDPrefix
}

// ClampProgress limits p to [0, 100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
