package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trackimmo/backend/internal/domain"
)

// JobRepo implements job-table CRUD. The partial unique index
// jobs_one_active_per_client backs the single-active-job invariant.
type JobRepo struct{ db *sql.DB }

// NewJobRepo creates a Postgres-backed job repository.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

const jobColumns = `
	job_id, client_id, status, attempt_count, last_attempt, next_attempt,
	COALESCE(error_message,''), created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*domain.Job, error) {
	j := &domain.Job{}
	err := row.Scan(
		&j.ID, &j.ClientID, &j.Status, &j.AttemptCount, &j.LastAttempt,
		&j.NextAttempt, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

// Get returns a job by ID.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	return scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id))
}

// GetActiveByClient returns the client's pending or processing job, if any.
func (r *JobRepo) GetActiveByClient(ctx context.Context, clientID string) (*domain.Job, error) {
	return scanJob(r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE client_id = $1 AND status IN ('pending', 'processing')
		LIMIT 1
	`, clientID))
}

// Create inserts a new job. Attempt count starts at 1. The partial unique
// index turns a lost race into ErrActiveJobExists.
func (r *JobRepo) Create(ctx context.Context, clientID string, status domain.JobStatus) (*domain.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs
			(job_id, client_id, status, attempt_count, last_attempt, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, NOW(), NOW())
	`, id, clientID, status, now)
	if err != nil {
		if isUniqueViolation(err, "jobs_one_active_per_client") {
			return nil, ErrActiveJobExists
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return r.Get(ctx, id)
}

// UpdateStatus transitions a job, recording the error message when present.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    error_message = NULLIF($2, ''),
		    updated_at = NOW()
		WHERE job_id = $3
	`, status, errorMessage, id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAttempt stamps the start of a run: status processing, last_attempt
// now, next_attempt cleared.
func (r *JobRepo) MarkAttempt(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing', last_attempt = NOW(),
		    next_attempt = NULL, updated_at = NOW()
		WHERE job_id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark job attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ScheduleRetry re-queues a job for a later attempt.
func (r *JobRepo) ScheduleRetry(ctx context.Context, id string, nextAttempt time.Time, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    next_attempt = $1,
		    error_message = NULLIF($2, ''),
		    attempt_count = attempt_count + 1,
		    updated_at = NOW()
		WHERE job_id = $3
	`, nextAttempt, errorMessage, id)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueRetries returns pending jobs whose next_attempt has passed,
// earliest first.
func (r *JobRepo) ListDueRetries(ctx context.Context, now time.Time) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND next_attempt < $1
		ORDER BY next_attempt ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListByClient returns the client's most recent jobs.
func (r *JobRepo) ListByClient(ctx context.Context, clientID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
