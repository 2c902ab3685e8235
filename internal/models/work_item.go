// -----------------------------------------------------------------------
// Work Item - one unit of work for one step, consumable by one worker
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// WorkItemStatus represents the state of a work item.
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusQueued     WorkItemStatus = "queued"
	WorkItemStatusRunning    WorkItemStatus = "running"
	WorkItemStatusSuccessful WorkItemStatus = "successful"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusWarning    WorkItemStatus = "warning"
	WorkItemStatusCanceled   WorkItemStatus = "canceled"
)

// terminalWorkItemStatuses never change once reached.
var terminalWorkItemStatuses = map[WorkItemStatus]bool{
	WorkItemStatusSuccessful: true,
	WorkItemStatusFailed:     true,
	WorkItemStatusWarning:    true,
	WorkItemStatusCanceled:   true,
}

// IsTerminal returns true for absorbing work item statuses.
func (s WorkItemStatus) IsTerminal() bool {
	return terminalWorkItemStatuses[s]
}

// workItemTransitions is the allowed state machine. Running back to ready
// happens only through the retry path.
var workItemTransitions = map[WorkItemStatus][]WorkItemStatus{
	WorkItemStatusReady:   {WorkItemStatusQueued, WorkItemStatusRunning, WorkItemStatusCanceled},
	WorkItemStatusQueued:  {WorkItemStatusRunning, WorkItemStatusReady, WorkItemStatusCanceled},
	WorkItemStatusRunning: {WorkItemStatusSuccessful, WorkItemStatusFailed, WorkItemStatusWarning, WorkItemStatusCanceled, WorkItemStatusReady},
}

// CanTransitionWorkItem reports whether from → to is a legal move.
func CanTransitionWorkItem(from, to WorkItemStatus) bool {
	for _, allowed := range workItemTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// WorkItem is the unit handed to a polling service worker. Once a work item
// reaches a terminal status it is never mutated again.
type WorkItem struct {
	ID                  uint64         `json:"id" badgerhold:"key"`
	JobID               string         `json:"jobID" badgerhold:"index"`
	ServiceID           string         `json:"serviceID" badgerhold:"index"`
	WorkflowStepIndex   int            `json:"workflowStepIndex"`
	Status              WorkItemStatus `json:"status" badgerhold:"index"`
	ScrollID            string         `json:"scrollID,omitempty"`
	StacCatalogLocation string         `json:"stacCatalogLocation,omitempty"`
	Results             []string       `json:"results,omitempty"`
	OutputItemSizes     []int64        `json:"outputItemSizes,omitempty"`
	RetryCount          int            `json:"retryCount"`
	StartedAt           *time.Time     `json:"startedAt,omitempty"`

	// Duration is wall time in milliseconds. On terminal transitions it is
	// the max of the orchestrator-measured value and the service-reported
	// one; retries reset StartedAt, so the service can report longer.
	Duration int64 `json:"duration"`

	// SortIndex preserves source ordering from the first step so that
	// downstream batching is stable.
	SortIndex int `json:"sortIndex"`

	Message         string `json:"message,omitempty"`
	MessageCategory string `json:"messageCategory,omitempty"`

	// Operation is attached at assignment time: the step operation with the
	// per-item staging prefix appended.
	Operation string `json:"operation,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewWorkItem creates a ready work item for a step. The caller assigns ID
// and SortIndex before insert.
func NewWorkItem(jobID, serviceID string, stepIndex int) *WorkItem {
	now := time.Now().UTC()
	return &WorkItem{
		JobID:             jobID,
		ServiceID:         serviceID,
		WorkflowStepIndex: stepIndex,
		Status:            WorkItemStatusReady,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsTerminal returns true once the item has finished.
func (w *WorkItem) IsTerminal() bool {
	return w.Status.IsTerminal()
}

// Transition moves the item to status after checking the state machine.
// Illegal moves return ErrStaleUpdate and leave the item untouched.
func (w *WorkItem) Transition(status WorkItemStatus) error {
	if w.Status == status {
		return fmt.Errorf("work item %d already %s: %w", w.ID, status, ErrStaleUpdate)
	}
	if !CanTransitionWorkItem(w.Status, status) {
		return fmt.Errorf("work item %d cannot move %s -> %s: %w", w.ID, w.Status, status, ErrStaleUpdate)
	}
	w.Status = status
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkAssigned stamps the item as handed out: queued when service queues are
// in use, running otherwise. StartedAt is reset on every assignment.
func (w *WorkItem) MarkAssigned(useServiceQueues bool) error {
	target := WorkItemStatusRunning
	if useServiceQueues {
		target = WorkItemStatusQueued
	}
	if err := w.Transition(target); err != nil {
		return err
	}
	now := time.Now().UTC()
	w.StartedAt = &now
	return nil
}

// MeasuredDuration is the orchestrator-observed wall time in milliseconds.
func (w *WorkItem) MeasuredDuration(now time.Time) int64 {
	if w.StartedAt == nil {
		return 0
	}
	d := now.Sub(*w.StartedAt).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// StagingPrefix is the object-storage prefix this item writes outputs under.
func (w *WorkItem) StagingPrefix() string {
	return fmt.Sprintf("%s/%d/", w.JobID, w.ID)
}

// Validate checks the fields required for persistence.
func (w *WorkItem) Validate() error {
	if w.JobID == "" {
		return fmt.Errorf("work item jobID is required")
	}
	if w.ServiceID == "" {
		return fmt.Errorf("work item serviceID is required")
	}
	if w.WorkflowStepIndex < 1 {
		return fmt.Errorf("work item step index must be >= 1")
	}
	if w.RetryCount < 0 {
		return fmt.Errorf("work item retryCount cannot be negative")
	}
	return nil
}
