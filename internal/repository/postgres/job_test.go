package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/trackimmo/backend/internal/domain"
)

func jobRows(id, clientID string, status domain.JobStatus, attempts int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"job_id", "client_id", "status", "attempt_count", "last_attempt",
		"next_attempt", "error_message", "created_at", "updated_at",
	}).AddRow(id, clientID, string(status), attempts, now, nil, "", now, now)
}

func TestJobRepoGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE job_id = $1")).
		WithArgs("job-1").
		WillReturnRows(jobRows("job-1", "client-1", domain.JobProcessing, 1))

	job, err := NewJobRepo(db).Get(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != "job-1" || job.Status != domain.JobProcessing || job.AttemptCount != 1 {
		t.Errorf("job = %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestJobRepoGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// An empty result set maps to the sentinel.
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE job_id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	_, err = NewJobRepo(db).Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestJobRepoCreateLostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "jobs_one_active_per_client"})

	_, err = NewJobRepo(db).Create(context.Background(), "client-1", domain.JobProcessing)
	if !errors.Is(err, ErrActiveJobExists) {
		t.Errorf("got %v, want ErrActiveJobExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestJobRepoCreateOtherUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// A unique violation on a different constraint must not masquerade as
	// the active-job sentinel.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "jobs_pkey"})

	_, err = NewJobRepo(db).Create(context.Background(), "client-1", domain.JobProcessing)
	if err == nil || errors.Is(err, ErrActiveJobExists) {
		t.Errorf("got %v, want a plain error", err)
	}
}

func TestJobRepoScheduleRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	next := time.Now().Add(2 * time.Hour)
	mock.ExpectExec("UPDATE jobs").
		WithArgs(next, "scrape timeout", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewJobRepo(db).ScheduleRetry(context.Background(), "job-1", next, "scrape timeout"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestJobRepoUpdateStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewJobRepo(db).UpdateStatus(context.Background(), "gone", domain.JobCompleted, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestJobRepoListDueRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Now()
	rows := jobRows("job-1", "client-1", domain.JobPending, 2)
	mock.ExpectQuery(regexp.QuoteMeta("status = 'pending' AND next_attempt < $1")).
		WithArgs(now).
		WillReturnRows(rows)

	due, err := NewJobRepo(db).ListDueRetries(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "job-1" || due[0].AttemptCount != 2 {
		t.Errorf("due = %+v", due)
	}
}
