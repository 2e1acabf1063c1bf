package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// ErrJobNotFound is returned by GetJob for unknown IDs.
var ErrJobNotFound = errors.New("job not found")

// Job is one row of the ledger.
type Job struct {
	ID           string            `json:"job_id"`
	Source       string            `json:"source"`
	Status       string            `json:"status"`
	Kind         string            `json:"kind,omitempty"`
	Request      json.RawMessage   `json:"request"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LogNumber    int               `json:"log_number"`
	CreatedAt    time.Time         `json:"created_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// JobOutcome is the final state written by FinishJob.
type JobOutcome struct {
	ID           string
	Status       string
	Kind         string
	ArtifactPath string
	Error        string
	Metadata     map[string]string
}

// JobFilter specifies filters for listing jobs.
type JobFilter struct {
	Status *string
	Source *string
	Since  *time.Time
	Limit  int
	Offset int
}

// InsertJob records a job as running.
func (db *DB) InsertJob(ctx context.Context, j Job) error {
	req := j.Request
	if len(req) == 0 {
		req = json.RawMessage("{}")
	}
	status := j.Status
	if status == "" {
		status = JobRunning
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO jobs (id, source, status, request, log_number, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, log_number = EXCLUDED.log_number
	`, j.ID, j.Source, status, []byte(req), j.LogNumber)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// FinishJob writes a job's final state.
func (db *DB) FinishJob(ctx context.Context, o JobOutcome) error {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if o.Metadata == nil {
		meta = []byte("{}")
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, kind = $3, artifact_path = $4, error = $5, metadata = $6, finished_at = now()
		WHERE id = $1
	`, o.ID, o.Status, pqString(o.Kind), pqString(o.ArtifactPath), pqString(o.Error), meta)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish job %s: %w", o.ID, ErrJobNotFound)
	}
	return nil
}

const jobColumns = `
	id, source, status, COALESCE(kind, ''), request, COALESCE(artifact_path, ''),
	COALESCE(error, ''), metadata, log_number, created_at, finished_at`

func scanJob(row pgx.Row) (Job, error) {
	var (
		j    Job
		req  []byte
		meta []byte
	)
	if err := row.Scan(
		&j.ID, &j.Source, &j.Status, &j.Kind, &req, &j.ArtifactPath,
		&j.Error, &meta, &j.LogNumber, &j.CreatedAt, &j.FinishedAt,
	); err != nil {
		return j, err
	}
	j.Request = json.RawMessage(req)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return j, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return j, nil
}

// GetJob returns one job by ID.
func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns jobs matching the filter, newest first, with the total
// match count.
func (db *DB) ListJobs(ctx context.Context, filter JobFilter) ([]Job, int, error) {
	qb := newQueryBuilder()
	if filter.Status != nil {
		qb.Add("status = %s", *filter.Status)
	}
	if filter.Source != nil {
		qb.Add("source = %s", *filter.Source)
	}
	if filter.Since != nil {
		qb.Add("created_at >= %s", *filter.Since)
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	whereClause := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM jobs"+whereClause, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataQuery := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		jobColumns, whereClause, filter.Limit, filter.Offset)
	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// PurgeJobs deletes finished jobs older than retention.
func (db *DB) PurgeJobs(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM jobs WHERE finished_at IS NOT NULL AND created_at < $1`,
		time.Now().Add(-retention),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
