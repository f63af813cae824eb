package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/models"
	"github.com/mscandco/distro-platform/backend/internal/store"
)

// JobStore defines the read side of the job queue.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListProcessingJobs(ctx context.Context) ([]*models.Job, error)
}

// JobCanceller cancels queued jobs.
type JobCanceller interface {
	CancelJob(ctx context.Context, jobID int64) error
}

// JobHandler holds dependencies for the admin job endpoints.
type JobHandler struct {
	store  JobStore
	cancel JobCanceller
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(s JobStore, c JobCanceller, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{store: s, cancel: c, logger: logger.Named("jobs-http")}
}

// RegisterRoutes registers job handlers on a router already guarded by the
// admin capability check.
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Get("/stats", h.Stats())
	router.Get("/pending", h.ListPending())
	router.Get("/processing", h.ListProcessing())
	router.Get("/{id}", h.Get())
	router.Post("/{id}/cancel", h.Cancel())
}

func jobID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// Get retrieves a job by ID
func (h *JobHandler) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid job ID")
			return
		}

		job, err := h.store.GetByID(r.Context(), id)
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			h.logger.Error("get job", zap.Int64("job_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// Cancel cancels a pending or failed job
func (h *JobHandler) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid job ID")
			return
		}

		if err := h.cancel.CancelJob(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "job not found or not cancellable")
				return
			}
			h.logger.Error("cancel job", zap.Int64("job_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "message": "Job cancelled successfully"})
	}
}

// Stats returns statistics about the job queue
func (h *JobHandler) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.store.GetStats(r.Context())
		if err != nil {
			h.logger.Error("job stats", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to retrieve job statistics")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ListPending returns pending jobs
func (h *JobHandler) ListPending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
			limit = l
		}

		jobs, err := h.store.ListPendingJobs(r.Context(), limit)
		if err != nil {
			h.logger.Error("list pending jobs", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to retrieve jobs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
	}
}

// ListProcessing returns currently processing jobs
func (h *JobHandler) ListProcessing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := h.store.ListProcessingJobs(r.Context())
		if err != nil {
			h.logger.Error("list processing jobs", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to retrieve jobs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
	}
}
