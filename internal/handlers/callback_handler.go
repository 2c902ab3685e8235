// -----------------------------------------------------------------------
// Callback Handler - per-service completion callback ingress
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/artifacts"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/ternarybob/harmony/internal/stac"
)

// callbackParams is the validated shape of a service callback. Exactly one
// of Error, Status, Redirect, or a request body must be present per call.
type callbackParams struct {
	Error    string      `validate:"omitempty,max=4096"`
	Status   string      `validate:"omitempty,oneof=successful canceled"`
	Redirect string      `validate:"omitempty,uri"`
	Filename string      `validate:"omitempty,max=1024"`
	Progress *int        `validate:"omitempty,gte=0,lte=100"`
	BBox     []float64   `validate:"omitempty,len=4"`
	Temporal []time.Time `validate:"omitempty,len=2"`
}

// CallbackHandler ingests per-service completion callbacks and rewrites
// them into queue update messages. Malformed callbacks are rejected with a
// 4xx and never touch job state.
type CallbackHandler struct {
	updates   interfaces.UpdateSink
	jobs      interfaces.JobStorage
	items     interfaces.WorkItemStorage
	artifacts artifacts.Store
	validate  *validator.Validate
	logger    arbor.ILogger
}

func NewCallbackHandler(updates interfaces.UpdateSink, jobs interfaces.JobStorage, items interfaces.WorkItemStorage, store artifacts.Store, logger arbor.ILogger) *CallbackHandler {
	return &CallbackHandler{
		updates:   updates,
		jobs:      jobs,
		items:     items,
		artifacts: store,
		validate:  validator.New(),
		logger:    logger,
	}
}

// ResponseHandler accepts a completion callback for one work item.
// POST /jobs/{jobID}/response?workItemID=7&status=successful
func (h *CallbackHandler) ResponseHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	// Path: /jobs/{jobID}/response
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[1] == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}
	jobID := pathParts[1]

	itemIDStr := r.URL.Query().Get("workItemID")
	if itemIDStr == "" {
		WriteError(w, http.StatusBadRequest, "workItemID query parameter is required")
		return
	}
	itemID, err := strconv.ParseUint(itemIDStr, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "workItemID must be numeric")
		return
	}

	params, err := parseCallbackParams(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(params); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid callback: "+err.Error())
		return
	}

	hasBody := r.ContentLength > 0 && params.Redirect == "" && params.Error == "" && params.Status == ""
	provided := 0
	for _, present := range []bool{params.Error != "", params.Status != "", params.Redirect != "", hasBody} {
		if present {
			provided++
		}
	}
	if provided != 1 {
		WriteError(w, http.StatusBadRequest, "Exactly one of error, status, redirect, or a request body is required")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job for callback")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	item, err := h.items.GetWorkItem(r.Context(), itemID)
	if err != nil || item.JobID != jobID {
		WriteError(w, http.StatusNotFound, "Work item not found for job")
		return
	}

	msg := &models.UpdateMessage{
		Update: models.WorkItemUpdate{
			WorkItemID:        itemID,
			WorkflowStepIndex: item.WorkflowStepIndex,
		},
	}

	switch {
	case params.Error != "":
		msg.Update.Status = models.WorkItemStatusFailed
		msg.Update.Message = params.Error
		msg.Update.MessageCategory = models.MessageCategoryCallback

	case params.Status == "canceled":
		msg.Update.Status = models.WorkItemStatusCanceled
		msg.Update.Message = "Canceled by service callback"

	case params.Status == "successful":
		// Async jobs complete only through internal update processing.
		if job.IsAsync {
			WriteError(w, http.StatusBadRequest, "Async jobs cannot be completed through the callback")
			return
		}
		msg.Update.Status = models.WorkItemStatusSuccessful

	case params.Redirect != "":
		msg.Update.Status = models.WorkItemStatusSuccessful
		msg.PreprocessResult = callbackResult(params, params.Redirect, "")

	default:
		// Raw body: stream it into the item's staging prefix as a file result.
		filename := params.Filename
		if filename == "" {
			filename = "output"
		}
		location := item.StagingPrefix() + filename
		if _, err := h.artifacts.Put(r.Context(), location, r.Body); err != nil {
			h.logger.Error().Err(err).Str("location", location).Msg("Failed to stage callback body")
			WriteError(w, http.StatusInternalServerError, "Failed to store callback result")
			return
		}
		msg.Update.Status = models.WorkItemStatusSuccessful
		msg.PreprocessResult = callbackResult(params, location, r.Header.Get("Content-Type"))
	}

	if err := h.updates.SubmitUpdate(r.Context(), msg); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Int64("work_item_id", int64(itemID)).Msg("Failed to enqueue callback update")
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue update")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "accepted",
	})
}

// parseCallbackParams reads the query-form callback fields. Shape errors
// surface here; range errors surface in struct validation.
func parseCallbackParams(r *http.Request) (*callbackParams, error) {
	q := r.URL.Query()
	p := &callbackParams{
		Error:    q.Get("error"),
		Status:   q.Get("status"),
		Redirect: q.Get("redirect"),
		Filename: q.Get("filename"),
	}

	if raw := q.Get("progress"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("progress must be an integer")
		}
		p.Progress = &n
	}

	if raw := q.Get("bbox"); raw != "" {
		parts := strings.Split(raw, ",")
		for _, part := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, fmt.Errorf("bbox must be comma-separated numbers")
			}
			p.BBox = append(p.BBox, f)
		}
		if len(p.BBox) != 4 {
			return nil, fmt.Errorf("bbox must have exactly 4 values")
		}
	}

	if raw := q.Get("temporal"); raw != "" {
		parts := strings.Split(raw, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("temporal must have exactly 2 values")
		}
		for _, part := range parts {
			ts, err := time.Parse(time.RFC3339, strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("temporal values must be RFC3339 datetimes")
			}
			p.Temporal = append(p.Temporal, ts)
		}
	}

	return p, nil
}

// callbackResult synthesizes a preprocess result so the update processor
// records a data link for the callback's output without a STAC read.
func callbackResult(p *callbackParams, href, mediaType string) *models.PreprocessResult {
	item := stac.Item{
		Type:        "Feature",
		StacVersion: stac.Version,
		BBox:        p.BBox,
		Assets: map[string]stac.Asset{
			"data": {
				Href:  href,
				Type:  mediaType,
				Roles: []string{stac.RoleData},
			},
		},
	}
	if len(p.Temporal) == 2 {
		item.Properties.StartDatetime = p.Temporal[0].Format(time.RFC3339)
		item.Properties.EndDatetime = p.Temporal[1].Format(time.RFC3339)
	}
	return &models.PreprocessResult{
		Status:       models.WorkItemStatusSuccessful,
		CatalogItems: []stac.Item{item},
	}
}
