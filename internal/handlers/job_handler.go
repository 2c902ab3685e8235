// -----------------------------------------------------------------------
// Job Handler - admin/API surface for job lifecycle and inspection
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	jobs     interfaces.JobService
	links    interfaces.LinkStorage
	messages interfaces.MessageStorage
	logger   arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs interfaces.JobService, links interfaces.LinkStorage, messages interfaces.MessageStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:     jobs,
		links:    links,
		messages: messages,
		logger:   logger,
	}
}

// CreateJobHandler creates a new job from an intake request
// POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid job request: "+err.Error())
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), &req)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("chain", req.Chain).Msg("Failed to create job")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("chain", req.Chain).
		Str("username", req.Username).
		Msg("Job created")

	WriteJSON(w, http.StatusCreated, job)
}

// ListJobsHandler returns a paginated list of jobs
// GET /api/jobs?limit=50&offset=0&status=running&username=jdoe
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit, offset := GetLimitOffset(r, 50, 1000)
	opts := &interfaces.ListOptions{
		Username: r.URL.Query().Get("username"),
		Limit:    limit,
		Offset:   offset,
	}
	for _, raw := range strings.Split(r.URL.Query().Get("status"), ",") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			opts.Statuses = append(opts.Statuses, models.JobStatus(trimmed))
		}
	}

	jobs, totalCount, err := h.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        jobs,
		"total_count": totalCount,
		"limit":       limit,
		"offset":      offset,
	})
}

// GetJobHandler returns a single job by ID
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// JobLinksHandler returns a page of the job's result links
// GET /api/jobs/{id}/links?rel=data&limit=100&offset=0
func (h *JobHandler) JobLinksHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}
	rel := r.URL.Query().Get("rel")
	limit, offset := GetLimitOffset(r, 100, 2000)

	links, err := h.links.LinksForJob(r.Context(), jobID, rel, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to list job links")
		WriteError(w, http.StatusInternalServerError, "Failed to list job links")
		return
	}
	totalCount, err := h.links.CountLinks(r.Context(), jobID, rel)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to count job links")
		totalCount = len(links)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"links":       links,
		"total_count": totalCount,
		"limit":       limit,
		"offset":      offset,
	})
}

// JobMessagesHandler returns the job's errors and warnings
// GET /api/jobs/{id}/messages
func (h *JobHandler) JobMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	messages, err := h.messages.MessagesForJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to list job messages")
		WriteError(w, http.StatusInternalServerError, "Failed to list job messages")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

// PauseJobHandler pauses an active job
// POST /api/jobs/{id}/pause
func (h *JobHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause", h.jobs.PauseJob)
}

// ResumeJobHandler resumes a paused job
// POST /api/jobs/{id}/resume
func (h *JobHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resume", h.jobs.ResumeJob)
}

// CancelJobHandler cancels a non-terminal job
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", h.jobs.CancelJob)
}

// DeleteJobHandler removes a finished job and all of its records
// DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	if err := h.jobs.DeleteJob(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			WriteError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, models.ErrJobConflict):
			WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job delete failed")
			WriteError(w, http.StatusInternalServerError, "Job delete failed")
		}
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobHandler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, jobID string) (*models.Job, error)) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	job, err := fn(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			WriteError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, models.ErrJobConflict):
			WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Str("action", action).Msg("Job transition failed")
			WriteError(w, http.StatusInternalServerError, "Job "+action+" failed")
		}
		return
	}

	h.logger.Info().Str("job_id", jobID).Str("action", action).Str("status", string(job.Status)).Msg("Job transition applied")
	WriteJSON(w, http.StatusOK, job)
}

// jobIDFromPath extracts the job ID from /api/jobs/{id}[/suffix].
func jobIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return "", false
	}
	return pathParts[2], true
}
