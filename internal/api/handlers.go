package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/repository/postgres"
)

// Submitter is the orchestrator surface the handlers drive.
type Submitter interface {
	Submit(ctx context.Context, clientID string) (string, error)
	DrainRetryQueue(ctx context.Context) (processed, failed int, err error)
}

// JobReader reads job state for the status endpoints.
type JobReader interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	ListByClient(ctx context.Context, clientID string, limit int) ([]domain.Job, error)
}

// AssignmentReader reads a client's assignment history.
type AssignmentReader interface {
	ListAssignmentsSince(ctx context.Context, clientID string, since time.Time) ([]domain.ClientAddress, error)
}

// Pinger reports backing-store health for the readiness endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers holds the endpoint implementations.
type Handlers struct {
	submitter   Submitter
	jobs        JobReader
	assignments AssignmentReader
	db          Pinger
}

// NewHandlers creates the handler set.
func NewHandlers(submitter Submitter, jobs JobReader, assignments AssignmentReader, db Pinger) *Handlers {
	return &Handlers{submitter: submitter, jobs: jobs, assignments: assignments, db: db}
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// Ready is the readiness probe: it checks the database connection.
func (h *Handlers) Ready(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded", "database": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// ProcessClient submits a processing job for one client.
func (h *Handlers) ProcessClient(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "missing required field: client_id",
		})
		return
	}

	jobID, err := h.submitter.Submit(req.Context(), body.ClientID)
	if err != nil {
		status := http.StatusInternalServerError
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]interface{}{
			"success":   false,
			"client_id": body.ClientID,
			"message":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":   true,
		"job_id":    jobID,
		"client_id": body.ClientID,
		"message":   "processing scheduled",
	})
}

// ProcessRetryQueue drains the due retry jobs.
func (h *Handlers) ProcessRetryQueue(w http.ResponseWriter, req *http.Request) {
	processed, failed, err := h.submitter.DrainRetryQueue(req.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"processed": processed,
		"failed":    failed,
		"message":   "retry queue drained",
	})
}

// JobStatus returns the full job row, timestamps as ISO-8601.
func (h *Handlers) JobStatus(w http.ResponseWriter, req *http.Request) {
	jobID := chi.URLParam(req, "job_id")
	job, err := h.jobs.Get(req.Context(), jobID)
	if errors.Is(err, postgres.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"message": "job not found",
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, jobJSON(job))
}

// ListJobs returns a client's most recent jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, req *http.Request) {
	clientID := req.URL.Query().Get("client_id")
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "missing required query parameter: client_id",
		})
		return
	}

	jobs, err := h.jobs.ListByClient(req.Context(), clientID, 20)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	out := make([]map[string]interface{}, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobJSON(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"client_id": clientID,
		"jobs":      out,
	})
}

// ListAssignments returns a client's assignments over a trailing window
// (?days=, default 30).
func (h *Handlers) ListAssignments(w http.ResponseWriter, req *http.Request) {
	clientID := req.URL.Query().Get("client_id")
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "missing required query parameter: client_id",
		})
		return
	}
	days := 30
	if d, err := strconv.Atoi(req.URL.Query().Get("days")); err == nil && d > 0 {
		days = d
	}

	since := time.Now().AddDate(0, 0, -days)
	assignments, err := h.assignments.ListAssignmentsSince(req.Context(), clientID, since)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	out := make([]map[string]interface{}, 0, len(assignments))
	for _, ca := range assignments {
		out = append(out, map[string]interface{}{
			"address_id": ca.AddressID,
			"send_date":  ca.SendDate.UTC().Format(time.RFC3339),
			"status":     ca.Status,
			"created_at": ca.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"client_id":   clientID,
		"assignments": out,
	})
}

// jobJSON renders a job with RFC 3339 timestamps.
func jobJSON(j *domain.Job) map[string]interface{} {
	out := map[string]interface{}{
		"job_id":        j.ID,
		"client_id":     j.ClientID,
		"status":        j.Status,
		"attempt_count": j.AttemptCount,
		"error_message": j.ErrorMessage,
		"created_at":    j.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":    j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.LastAttempt != nil {
		out["last_attempt"] = j.LastAttempt.UTC().Format(time.RFC3339)
	}
	if j.NextAttempt != nil {
		out["next_attempt"] = j.NextAttempt.UTC().Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
