// -----------------------------------------------------------------------
// Work Handler - service worker poll and status report endpoints
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// WorkHandler serves the worker-facing API: polling for assigned work and
// reporting work item status.
type WorkHandler struct {
	dispatcher interfaces.WorkDispatcher
	updates    interfaces.UpdateSink
	items      interfaces.WorkItemStorage
	logger     arbor.ILogger
}

func NewWorkHandler(dispatcher interfaces.WorkDispatcher, updates interfaces.UpdateSink, items interfaces.WorkItemStorage, logger arbor.ILogger) *WorkHandler {
	return &WorkHandler{
		dispatcher: dispatcher,
		updates:    updates,
		items:      items,
		logger:     logger,
	}
}

// GetWorkHandler hands the next assigned work item to a polling worker.
// GET /work?serviceID=harmony/query-cmr
func (h *WorkHandler) GetWorkHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	serviceID := r.URL.Query().Get("serviceID")
	if serviceID == "" {
		WriteError(w, http.StatusBadRequest, "serviceID query parameter is required")
		return
	}

	item, err := h.dispatcher.ClaimWork(r.Context(), serviceID)
	if err != nil {
		h.logger.Error().Err(err).Str("service_id", serviceID).Msg("Failed to claim work")
		WriteError(w, http.StatusInternalServerError, "Failed to claim work")
		return
	}
	if item == nil {
		WriteError(w, http.StatusNotFound, "No work available")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workItem": item,
	})
}

// UpdateWorkHandler accepts a work item status report and enqueues it for
// asynchronous processing. The response is immediate; state changes land
// once the update processor applies the message under the job lock.
// PUT /work/{id}
func (h *WorkHandler) UpdateWorkHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	// Path: /work/{id}
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 2 || pathParts[1] == "" {
		WriteError(w, http.StatusBadRequest, "Work item ID is required")
		return
	}
	itemID, err := strconv.ParseUint(pathParts[1], 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Work item ID must be numeric")
		return
	}

	var update models.WorkItemUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid update payload: "+err.Error())
		return
	}
	update.WorkItemID = itemID
	if err := update.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, err := h.items.GetWorkItem(r.Context(), itemID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Unknown work item")
			return
		}
		h.logger.Error().Err(err).Int64("work_item_id", int64(itemID)).Msg("Failed to look up work item")
		WriteError(w, http.StatusInternalServerError, "Failed to look up work item")
		return
	}
	if update.WorkflowStepIndex == 0 {
		update.WorkflowStepIndex = item.WorkflowStepIndex
	}

	msg := &models.UpdateMessage{Update: update}
	if err := h.updates.SubmitUpdate(r.Context(), msg); err != nil {
		h.logger.Error().Err(err).Int64("work_item_id", int64(itemID)).Msg("Failed to enqueue work item update")
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue update")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "accepted",
	})
}
