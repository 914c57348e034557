// Package memory provides in-process job and options stores for tests and
// single-worker deployments.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/vango-dev/hive/pkg/jobs"
	"github.com/vango-dev/hive/pkg/options"
)

var (
	_ jobs.Store    = (*Store)(nil)
	_ options.Store = (*Store)(nil)
)

// Store keeps records in maps guarded by one mutex. Returned jobs are
// copies.
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	jobs    map[string]*jobs.Job
	active  options.ActiveSet
	options map[string]json.RawMessage
}

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*jobs.Job),
		options: make(map[string]json.RawMessage),
	}
}

// CreateJob implements jobs.Store.
func (s *Store) CreateJob(_ context.Context, j *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	j.ID = s.nextID
	s.jobs[j.JobID] = j.Clone()
	return nil
}

// UpdateJob implements jobs.Store.
func (s *Store) UpdateJob(_ context.Context, j *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.JobID]; !ok {
		return jobs.ErrJobNotFound.WithSubject(j.JobID)
	}
	s.jobs[j.JobID] = j.Clone()
	return nil
}

// GetJob implements jobs.Store.
func (s *Store) GetJob(_ context.Context, jobID string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound.WithSubject(jobID)
	}
	return j.Clone(), nil
}

// ListJobs implements jobs.Store.
func (s *Store) ListJobs(_ context.Context) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*jobs.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *jobs.Job) int { return int(a.ID - b.ID) })
	return out, nil
}

// DeleteJobs implements jobs.Store.
func (s *Store) DeleteJobs(_ context.Context, jobIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range jobIDs {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// LoadActive implements options.Store.
func (s *Store) LoadActive(_ context.Context) (options.ActiveSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Clone(), nil
}

// SaveActive implements options.Store.
func (s *Store) SaveActive(_ context.Context, set options.ActiveSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = set.Clone()
	return nil
}

// GetOption implements options.Store.
func (s *Store) GetOption(_ context.Context, name string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.options[name]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

// SetOption implements options.Store.
func (s *Store) SetOption(_ context.Context, name string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[name] = slices.Clone(value)
	return nil
}
