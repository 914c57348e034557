// Package file stores jobs and options as JSON files on local disk.
//
// Every job is one file named after its job id under the jobs directory;
// the numeric id sequence lives next to them. Options live in a single
// JSON document. Writes go through a temp file and rename, and mutations
// hold an advisory lock so several worker processes can share the same
// directory. Concurrent writers of the same record are last-write-wins.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/vango-dev/hive/pkg/jobs"
	"github.com/vango-dev/hive/pkg/options"
)

var (
	_ jobs.Store    = (*Store)(nil)
	_ options.Store = (*Store)(nil)
)

const (
	seqFile  = ".seq"
	lockFile = ".lock"
	jobExt   = ".json"
)

// Store is a directory-backed job and options store.
type Store struct {
	jobsDir     string
	optionsPath string
}

// optionsDoc is the on-disk options document.
type optionsDoc struct {
	Active  options.ActiveSet          `json:"active"`
	Options map[string]json.RawMessage `json:"options,omitempty"`
}

// New creates the jobs directory and the options file's directory if needed.
func New(jobsDir, optionsPath string) (*Store, error) {
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("hive/file: create jobs dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(optionsPath), 0o755); err != nil {
		return nil, fmt.Errorf("hive/file: create options dir: %w", err)
	}
	return &Store{jobsDir: jobsDir, optionsPath: optionsPath}, nil
}

// ==================== Jobs ====================

// CreateJob implements jobs.Store.
func (s *Store) CreateJob(_ context.Context, j *jobs.Job) error {
	return s.locked(s.jobsDir, func() error {
		id, err := s.nextID()
		if err != nil {
			return err
		}
		j.ID = id
		return writeJSON(s.jobPath(j.JobID), j)
	})
}

// UpdateJob implements jobs.Store.
func (s *Store) UpdateJob(_ context.Context, j *jobs.Job) error {
	return s.locked(s.jobsDir, func() error {
		path := s.jobPath(j.JobID)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return jobs.ErrJobNotFound.WithSubject(j.JobID)
			}
			return fmt.Errorf("hive/file: stat job: %w", err)
		}
		return writeJSON(path, j)
	})
}

// GetJob implements jobs.Store.
func (s *Store) GetJob(_ context.Context, jobID string) (*jobs.Job, error) {
	if !jobs.ValidJobID(jobID) {
		return nil, jobs.ErrJobNotFound.WithSubject(jobID)
	}
	var j jobs.Job
	if err := readJSON(s.jobPath(jobID), &j); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, jobs.ErrJobNotFound.WithSubject(jobID)
		}
		return nil, err
	}
	return &j, nil
}

// ListJobs implements jobs.Store.
func (s *Store) ListJobs(_ context.Context) ([]*jobs.Job, error) {
	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		return nil, fmt.Errorf("hive/file: list jobs: %w", err)
	}
	out := make([]*jobs.Job, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, jobExt) {
			continue
		}
		var j jobs.Job
		if err := readJSON(filepath.Join(s.jobsDir, name), &j); err != nil {
			// Deleted between ReadDir and the read.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, &j)
	}
	slices.SortFunc(out, func(a, b *jobs.Job) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// DeleteJobs implements jobs.Store.
func (s *Store) DeleteJobs(_ context.Context, jobIDs []string) (int, error) {
	n := 0
	err := s.locked(s.jobsDir, func() error {
		for _, id := range jobIDs {
			if !jobs.ValidJobID(id) {
				continue
			}
			err := os.Remove(s.jobPath(id))
			switch {
			case err == nil:
				n++
			case errors.Is(err, fs.ErrNotExist):
			default:
				return fmt.Errorf("hive/file: delete job %s: %w", id, err)
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) jobPath(jobID string) string {
	return filepath.Join(s.jobsDir, jobID+jobExt)
}

// nextID increments the sequence file. Callers hold the jobs lock.
func (s *Store) nextID() (int64, error) {
	path := filepath.Join(s.jobsDir, seqFile)
	var last int64
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		last, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hive/file: corrupt sequence file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return 0, fmt.Errorf("hive/file: read sequence: %w", err)
	}
	next := last + 1
	if err := writeAtomic(path, []byte(strconv.FormatInt(next, 10)+"\n")); err != nil {
		return 0, err
	}
	return next, nil
}

// ==================== Options ====================

// LoadActive implements options.Store. A missing file is an empty set.
func (s *Store) LoadActive(_ context.Context) (options.ActiveSet, error) {
	doc, err := s.readOptions()
	if err != nil {
		return options.ActiveSet{}, err
	}
	return doc.Active, nil
}

// SaveActive implements options.Store.
func (s *Store) SaveActive(_ context.Context, set options.ActiveSet) error {
	return s.updateOptions(func(doc *optionsDoc) {
		doc.Active = set.Clone()
	})
}

// GetOption implements options.Store.
func (s *Store) GetOption(_ context.Context, name string) (json.RawMessage, bool, error) {
	doc, err := s.readOptions()
	if err != nil {
		return nil, false, err
	}
	v, ok := doc.Options[name]
	return v, ok, nil
}

// SetOption implements options.Store.
func (s *Store) SetOption(_ context.Context, name string, value json.RawMessage) error {
	return s.updateOptions(func(doc *optionsDoc) {
		if doc.Options == nil {
			doc.Options = make(map[string]json.RawMessage)
		}
		doc.Options[name] = slices.Clone(value)
	})
}

func (s *Store) readOptions() (*optionsDoc, error) {
	var doc optionsDoc
	if err := readJSON(s.optionsPath, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &doc, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (s *Store) updateOptions(fn func(*optionsDoc)) error {
	return s.locked(filepath.Dir(s.optionsPath), func() error {
		doc, err := s.readOptions()
		if err != nil {
			return err
		}
		fn(doc)
		return writeJSON(s.optionsPath, doc)
	})
}

// ==================== Helpers ====================

func (s *Store) locked(dir string, fn func() error) error {
	unlock, err := lock(filepath.Join(dir, lockFile))
	if err != nil {
		return fmt.Errorf("hive/file: lock: %w", err)
	}
	defer unlock()
	return fn()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("hive/file: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("hive/file: encode %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// writeAtomic writes to a unique temp file in the same directory and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("hive/file: create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("hive/file: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("hive/file: close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("hive/file: rename temp file: %w", err)
	}
	return nil
}
