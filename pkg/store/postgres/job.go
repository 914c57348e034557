package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vango-dev/hive/pkg/jobs"
)

const jobColumns = `
	id, job_id, name, description, type, status, progress,
	metadata, result, error, timeout_ms,
	started_at, completed_at, created_at, updated_at,
	source, created_by`

// CreateJob implements jobs.Store.
func (s *Store) CreateJob(ctx context.Context, j *jobs.Job) error {
	metadata, result, err := encodeJSONColumns(j)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO hive_jobs (
			job_id, name, description, type, status, progress,
			metadata, result, error, timeout_ms,
			started_at, completed_at, created_at, updated_at,
			source, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16
		) RETURNING id`,
		j.JobID, j.Name, j.Description, j.Type, string(j.Status), j.Progress,
		metadata, result, j.Error, j.TimeoutMs,
		j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
		j.Source, j.CreatedBy,
	).Scan(&j.ID)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("hive/postgres: job %s already exists: %w", j.JobID, err)
		}
		return fmt.Errorf("hive/postgres: create job: %w", err)
	}
	return nil
}

// UpdateJob implements jobs.Store.
func (s *Store) UpdateJob(ctx context.Context, j *jobs.Job) error {
	metadata, result, err := encodeJSONColumns(j)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE hive_jobs SET
			name = $2, description = $3, type = $4, status = $5, progress = $6,
			metadata = $7, result = $8, error = $9, timeout_ms = $10,
			started_at = $11, completed_at = $12, updated_at = $13,
			source = $14, created_by = $15
		WHERE job_id = $1`,
		j.JobID, j.Name, j.Description, j.Type, string(j.Status), j.Progress,
		metadata, result, j.Error, j.TimeoutMs,
		j.StartedAt, j.CompletedAt, j.UpdatedAt,
		j.Source, j.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("hive/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrJobNotFound.WithSubject(j.JobID)
	}
	return nil
}

// GetJob implements jobs.Store.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM hive_jobs WHERE job_id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jobs.ErrJobNotFound.WithSubject(jobID)
		}
		return nil, fmt.Errorf("hive/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs implements jobs.Store.
func (s *Store) ListJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM hive_jobs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("hive/postgres: list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DeleteJobs implements jobs.Store.
func (s *Store) DeleteJobs(ctx context.Context, jobIDs []string) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM hive_jobs WHERE job_id = ANY($1)`, jobIDs)
	if err != nil {
		return 0, fmt.Errorf("hive/postgres: delete jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func encodeJSONColumns(j *jobs.Job) (metadata, result []byte, err error) {
	if j.Metadata != nil {
		if metadata, err = json.Marshal(j.Metadata); err != nil {
			return nil, nil, fmt.Errorf("hive/postgres: encode metadata: %w", err)
		}
	}
	if j.Result != nil {
		if result, err = json.Marshal(j.Result); err != nil {
			return nil, nil, fmt.Errorf("hive/postgres: encode result: %w", err)
		}
	}
	return metadata, result, nil
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j        jobs.Job
		status   string
		metadata []byte
		result   []byte
	)
	err := row.Scan(
		&j.ID, &j.JobID, &j.Name, &j.Description, &j.Type, &status, &j.Progress,
		&metadata, &result, &j.Error, &j.TimeoutMs,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
		&j.Source, &j.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	j.Status = jobs.Status(status)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("hive/postgres: decode metadata of %s: %w", j.JobID, err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, fmt.Errorf("hive/postgres: decode result of %s: %w", j.JobID, err)
		}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*jobs.Job, error) {
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("hive/postgres: scan job row: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hive/postgres: iterate job rows: %w", err)
	}
	return out, nil
}
