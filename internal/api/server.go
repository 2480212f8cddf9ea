// Package api is the HTTP façade over the orchestrator: job submission,
// retry-queue draining, and job status reads, behind a shared API key.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server wraps the router and the underlying http.Server.
type Server struct {
	handlers *Handlers
	apiKey   string
	server   *http.Server
}

// NewServer creates the API server.
func NewServer(host string, port int, apiKey string, handlers *Handlers) *Server {
	s := &Server{handlers: handlers, apiKey: apiKey}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://trackimmo.app", "http://localhost:5173"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	// Health checks carry no auth so load balancers can reach them.
	r.Get("/health", s.handlers.Health)
	r.Get("/ready", s.handlers.Ready)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/process-client", s.handlers.ProcessClient)
		r.Post("/process-retry-queue", s.handlers.ProcessRetryQueue)
		r.Get("/job-status/{job_id}", s.handlers.JobStatus)
		r.Get("/jobs", s.handlers.ListJobs)
		r.Get("/assignments", s.handlers.ListAssignments)
	})

	return r
}

// requireAPIKey compares the X-API-Key header against the configured secret.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := req.Header.Get("X-API-Key")
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"message": "invalid or missing API key",
			})
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Printf("[API] Listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
