package jobs

import (
	"sort"
	"time"
)

// Filter selects jobs for ListJobs. Zero fields match everything.
type Filter struct {
	Status    []Status
	Type      string
	Source    string
	CreatedBy string

	// Since keeps jobs created at or after this time.
	Since time.Time

	Limit  int
	Offset int
}

// Match reports whether j passes the filter, ignoring Limit and Offset.
func (f Filter) Match(j *Job) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.Source != "" && j.Source != f.Source {
		return false
	}
	if f.CreatedBy != "" && j.CreatedBy != f.CreatedBy {
		return false
	}
	if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Apply filters jobs, orders them newest first, and pages the result.
func (f Filter) Apply(jobs []*Job) []*Job {
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		if f.Match(j) {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Job{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
