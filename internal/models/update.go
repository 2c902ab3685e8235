// -----------------------------------------------------------------------
// Work Item Update - canonical status report flowing through the queues
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"

	"github.com/ternarybob/harmony/internal/stac"
)

// WorkItemUpdate is the normalized status report for one work item as
// accepted from workers and callbacks.
type WorkItemUpdate struct {
	WorkItemID      uint64         `json:"workItemID" validate:"required"`
	Status          WorkItemStatus `json:"status" validate:"required"`
	Message         string         `json:"message,omitempty"`
	MessageCategory string         `json:"messageCategory,omitempty"`

	// Hits is the total granule count discovered by query-cmr; values below
	// the job's current numInputGranules shrink it.
	Hits *int `json:"hits,omitempty" validate:"omitempty,gte=0"`

	Results         []string `json:"results,omitempty"`
	OutputItemSizes []int64  `json:"outputItemSizes,omitempty"`
	TotalItemsSize  float64  `json:"totalItemsSize,omitempty"`

	// Duration is the service-reported wall time in milliseconds.
	Duration int64 `json:"duration,omitempty" validate:"omitempty,gte=0"`

	WorkflowStepIndex int    `json:"workflowStepIndex,omitempty"`
	ScrollID          string `json:"scrollID,omitempty"`
}

// knownUpdateStatuses are the statuses a worker may report.
var knownUpdateStatuses = map[WorkItemStatus]bool{
	WorkItemStatusRunning:    true,
	WorkItemStatusSuccessful: true,
	WorkItemStatusFailed:     true,
	WorkItemStatusWarning:    true,
	WorkItemStatusCanceled:   true,
}

// Validate checks structural validity; state-machine checks happen later
// under the job lock.
func (u *WorkItemUpdate) Validate() error {
	if u.WorkItemID == 0 {
		return fmt.Errorf("update workItemID is required")
	}
	if !knownUpdateStatuses[u.Status] {
		return fmt.Errorf("update status %q is not valid", u.Status)
	}
	if u.Hits != nil && *u.Hits < 0 {
		return fmt.Errorf("update hits cannot be negative")
	}
	if u.Duration < 0 {
		return fmt.Errorf("update duration cannot be negative")
	}
	return nil
}

// PreprocessResult carries the outcome of the out-of-lock preprocessing
// pass: catalog items gathered for link generation, resolved output sizes,
// or a rewrite to failed when either could not be done.
type PreprocessResult struct {
	Status          WorkItemStatus `json:"status"`
	CatalogItems    []stac.Item    `json:"catalogItems,omitempty"`
	OutputItemSizes []int64        `json:"outputItemSizes,omitempty"`
	Message         string         `json:"message,omitempty"`
	ErrorCategory   string         `json:"errorCategory,omitempty"`
}

// UpdateMessage is the envelope placed on the work-item update queues.
type UpdateMessage struct {
	Update           WorkItemUpdate    `json:"update"`
	Operation        json.RawMessage   `json:"operation,omitempty"`
	PreprocessResult *PreprocessResult `json:"preprocessResult,omitempty"`
}

// ToJSON serializes the envelope for queue storage.
func (m *UpdateMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update message: %w", err)
	}
	return data, nil
}

// UpdateMessageFromJSON deserializes a queue payload.
func UpdateMessageFromJSON(data []byte) (*UpdateMessage, error) {
	var m UpdateMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal update message: %w", err)
	}
	return &m, nil
}
