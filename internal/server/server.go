// Package server exposes the HTTP surface of courier: message submission,
// queue inspection, requeue, health and metrics. Every handler is a thin
// mapping onto the delivery service; no queue logic lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shashiranjanraj/courier/config"
	"github.com/shashiranjanraj/courier/pkg/delivery"
	"github.com/shashiranjanraj/courier/pkg/jobstore"
	"github.com/shashiranjanraj/courier/pkg/logger"
	"github.com/shashiranjanraj/courier/pkg/message"
	"github.com/shashiranjanraj/courier/pkg/metrics"
	"github.com/shashiranjanraj/courier/pkg/middleware"
	"github.com/shashiranjanraj/courier/pkg/response"
	"github.com/shashiranjanraj/courier/pkg/router"
)

const defaultPageSize = 50

// Server is the admin/ingress HTTP API.
type Server struct {
	svc    *delivery.Service
	router *router.Router
}

// New builds the API over svc.
func New(svc *delivery.Service) *Server {
	s := &Server{svc: svc, router: router.New()}
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router.Handler()
}

func (s *Server) routes() {
	s.router.Use(middleware.Recovery)
	s.router.Use(metrics.Middleware())
	s.router.Use(middleware.RequestLog)

	api := s.router.Group("/api")
	api.Post("/messages", "messages.submit", s.handleSubmit)
	api.Get("/stats", "stats", s.handleStats)
	api.Get("/jobs", "jobs.list", s.handleListJobs)
	api.Get("/jobs/{id}", "jobs.get", s.handleGetJob)
	api.Post("/jobs/{id}/requeue", "jobs.requeue", s.handleRequeue)
	api.Delete("/jobs/{id}", "jobs.remove", s.handleRemoveJob)

	s.router.Get("/healthz", "healthz", func(w http.ResponseWriter, _ *http.Request) {
		response.Success(w, map[string]string{"status": "ok"})
	})
	s.router.Mount("/metrics", metrics.Handler())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var msg message.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	jobID, err := s.svc.Submit(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Created(w, map[string]string{"job_id": jobID})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, stats)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset := intParam(q.Get("offset"), 0)
	limit := intParam(q.Get("limit"), defaultPageSize)

	var (
		jobs []*jobstore.JobRecord
		err  error
	)
	switch q.Get("queue") {
	case "", "main":
		state := jobstore.State(q.Get("state"))
		if state != "" && !validListState(state) {
			response.Error(w, http.StatusBadRequest, "unknown state filter")
			return
		}
		jobs, err = s.svc.ListMain(r.Context(), state, offset, limit)
	case "dead_letter":
		jobs, err = s.svc.ListDeadLetter(r.Context(), offset, limit)
	default:
		response.Error(w, http.StatusBadRequest, "unknown queue")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if jobs == nil {
		jobs = []*jobstore.JobRecord{}
	}
	response.Success(w, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, rec)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	newID, err := s.svc.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, map[string]string{"job_id": newID})
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, map[string]string{"removed": chi.URLParam(r, "id")})
}

// writeError maps the delivery error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var notRequeueable *delivery.NotRequeueableError
	switch {
	case errors.Is(err, message.ErrInvalid):
		response.UnprocessableEntity(w, err.Error())
	case errors.Is(err, jobstore.ErrNotFound):
		response.NotFound(w)
	case errors.As(err, &notRequeueable):
		response.Conflict(w, err.Error())
	default:
		logger.Error("admin API store error", "error", err)
		response.Unavailable(w, "job store unavailable")
	}
}

func validListState(state jobstore.State) bool {
	switch state {
	case jobstore.StateWaiting, jobstore.StateDelayed, jobstore.StateActive,
		jobstore.StateCompleted, jobstore.StateFailed:
		return true
	}
	return false
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// ListenAndServe runs the API on the configured port until ctx is
// cancelled, then drains in-flight requests.
func ListenAndServe(ctx context.Context, handler http.Handler) error {
	srv := &http.Server{
		Addr:         ":" + config.AppPort(),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", srv.Addr, "env", config.AppEnv())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
