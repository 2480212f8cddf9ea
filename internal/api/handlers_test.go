package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/repository/postgres"
)

type fakeSubmitter struct {
	jobID string
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, _ string) (string, error) {
	return f.jobID, f.err
}

func (f *fakeSubmitter) DrainRetryQueue(_ context.Context) (int, int, error) {
	return 3, 1, nil
}

type fakeJobReader struct {
	job  *domain.Job
	jobs []domain.Job
}

func (f *fakeJobReader) Get(_ context.Context, id string) (*domain.Job, error) {
	if f.job == nil || f.job.ID != id {
		return nil, postgres.ErrNotFound
	}
	return f.job, nil
}

func (f *fakeJobReader) ListByClient(_ context.Context, _ string, _ int) ([]domain.Job, error) {
	return f.jobs, nil
}

type fakeAssignmentReader struct {
	assignments []domain.ClientAddress
	gotClient   string
	gotSince    time.Time
}

func (f *fakeAssignmentReader) ListAssignmentsSince(_ context.Context, clientID string, since time.Time) ([]domain.ClientAddress, error) {
	f.gotClient = clientID
	f.gotSince = since
	return f.assignments, nil
}

type fakePinger struct{ err error }

func (f *fakePinger) PingContext(_ context.Context) error { return f.err }

const testAPIKey = "test-secret"

func testServer(submitter Submitter, jobs JobReader, db Pinger) http.Handler {
	return testServerWithAssignments(submitter, jobs, &fakeAssignmentReader{}, db)
}

func testServerWithAssignments(submitter Submitter, jobs JobReader, assignments AssignmentReader, db Pinger) http.Handler {
	s := NewServer("localhost", 0, testAPIKey, NewHandlers(submitter, jobs, assignments, db))
	return s.routes()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("X-API-Key", testAPIKey)
	return req
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h := testServer(&fakeSubmitter{}, &fakeJobReader{}, &fakePinger{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d, want 200", rec.Code)
	}
}

func TestReadyDegradedWhenDBDown(t *testing.T) {
	h := testServer(&fakeSubmitter{}, &fakeJobReader{}, &fakePinger{err: errors.New("connection refused")})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with dead db = %d, want 503", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h := testServer(&fakeSubmitter{jobID: "job-1"}, &fakeJobReader{}, &fakePinger{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/process-client", strings.NewReader(`{"client_id":"c1"}`))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/process-client", strings.NewReader(`{"client_id":"c1"}`))
	req.Header.Set("X-API-Key", "wrong")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", rec.Code)
	}
}

func TestAuthRejectsAllWhenKeyUnset(t *testing.T) {
	s := NewServer("localhost", 0, "", NewHandlers(&fakeSubmitter{}, &fakeJobReader{}, &fakeAssignmentReader{}, &fakePinger{}))
	h := s.routes()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/process-client", strings.NewReader(`{"client_id":"c1"}`))
	req.Header.Set("X-API-Key", "")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unset server key must reject everything, got %d", rec.Code)
	}
}

func TestProcessClientAccepted(t *testing.T) {
	h := testServer(&fakeSubmitter{jobID: "job-42"}, &fakeJobReader{}, &fakePinger{})

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest("POST", "/process-client", strings.NewReader(`{"client_id":"c1"}`)))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	body := decode(t, rec)
	if body["success"] != true || body["job_id"] != "job-42" || body["client_id"] != "c1" {
		t.Errorf("body = %v", body)
	}
}

func TestProcessClientMissingID(t *testing.T) {
	h := testServer(&fakeSubmitter{}, &fakeJobReader{}, &fakePinger{})

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest("POST", "/process-client", strings.NewReader(`{}`)))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestProcessClientValidationFailure(t *testing.T) {
	h := testServer(&fakeSubmitter{err: &domain.ValidationError{Msg: "client c1 has no chosen cities"}},
		&fakeJobReader{}, &fakePinger{})

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest("POST", "/process-client", strings.NewReader(`{"client_id":"c1"}`)))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	body := decode(t, rec)
	if body["success"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestProcessRetryQueue(t *testing.T) {
	h := testServer(&fakeSubmitter{}, &fakeJobReader{}, &fakePinger{})

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest("POST", "/process-retry-queue", nil))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["processed"] != float64(3) || body["failed"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestJobStatus(t *testing.T) {
	last := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	reader := &fakeJobReader{job: &domain.Job{
		ID:           "job-1",
		ClientID:     "c1",
		Status:       domain.JobPending,
		AttemptCount: 2,
		LastAttempt:  &last,
		CreatedAt:    last,
		UpdatedAt:    last,
	}}
	h := testServer(&fakeSubmitter{}, reader, &fakePinger{})

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest("GET", "/job-status/job-1", nil))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "pending" || body["attempt_count"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if body["last_attempt"] != "2024-06-15T10:00:00Z" {
		t.Errorf("last_attempt = %v, want RFC 3339 UTC", body["last_attempt"])
	}
	if _, ok := body["next_attempt"]; ok {
		t.Error("nil next_attempt should be omitted")
	}
}

func TestJobStatusNotFound(t *testing.T) {
	h := testServer(&fakeSubmitter{}, &fakeJobReader{}, &fakePinger{})

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest("GET", "/job-status/nope", nil))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListJobsRequiresClientID(t *testing.T) {
	h := testServer(&fakeSubmitter{}, &fakeJobReader{}, &fakePinger{})

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest("GET", "/jobs", nil))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListAssignments(t *testing.T) {
	sent := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	reader := &fakeAssignmentReader{assignments: []domain.ClientAddress{{
		ClientID:  "c1",
		AddressID: "addr-7",
		SendDate:  sent,
		Status:    domain.AssignmentContacted,
		CreatedAt: sent,
	}}}
	h := testServerWithAssignments(&fakeSubmitter{}, &fakeJobReader{}, reader, &fakePinger{})

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest("GET", "/assignments?client_id=c1&days=60", nil))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if reader.gotClient != "c1" {
		t.Errorf("queried client = %q, want c1", reader.gotClient)
	}
	if cutoff := time.Now().AddDate(0, 0, -60); reader.gotSince.Before(cutoff.Add(-time.Minute)) ||
		reader.gotSince.After(cutoff.Add(time.Minute)) {
		t.Errorf("since = %v, want about %v", reader.gotSince, cutoff)
	}
	body := decode(t, rec)
	if body["success"] != true || body["client_id"] != "c1" {
		t.Errorf("body = %v", body)
	}
	rows, ok := body["assignments"].([]interface{})
	if !ok || len(rows) != 1 {
		t.Fatalf("assignments = %v", body["assignments"])
	}
	row := rows[0].(map[string]interface{})
	if row["address_id"] != "addr-7" || row["status"] != "contacted" {
		t.Errorf("row = %v", row)
	}
	if row["send_date"] != "2024-06-10T09:00:00Z" {
		t.Errorf("send_date = %v, want RFC 3339 UTC", row["send_date"])
	}
}

func TestListAssignmentsRequiresClientID(t *testing.T) {
	h := testServer(&fakeSubmitter{}, &fakeJobReader{}, &fakePinger{})

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest("GET", "/assignments", nil))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
