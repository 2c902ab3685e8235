package models

import (
	"fmt"
	"time"
)

// WorkflowStep is one stage in a job's linear service chain. Steps are
// contiguous and 1-indexed; (JobID, StepIndex) is unique.
type WorkflowStep struct {
	// Key is JobID:StepIndex, see StepKey.
	Key                    string `json:"-" badgerhold:"key"`
	JobID                  string `json:"jobID" badgerhold:"index"`
	StepIndex              int    `json:"stepIndex"`
	ServiceID              string `json:"serviceID" badgerhold:"index"`
	Operation              string `json:"operation"`
	WorkItemCount          int    `json:"workItemCount"`
	CompletedWorkItemCount int    `json:"completedWorkItemCount"`
	HasAggregatedOutput    bool   `json:"hasAggregatedOutput"`
	IsBatched              bool   `json:"isBatched"`
	IsSequential           bool   `json:"isSequential"`
	IsComplete             bool   `json:"isComplete"`

	// Batched steps only: limits copied from the chain definition.
	MaxBatchInputs      int   `json:"maxBatchInputs,omitempty"`
	MaxBatchSizeInBytes int64 `json:"maxBatchSizeInBytes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StepKey builds the storage key for a (job, step index) pair.
func StepKey(jobID string, stepIndex int) string {
	return fmt.Sprintf("%s:%04d", jobID, stepIndex)
}

// NewWorkflowStep creates a step record for a job.
func NewWorkflowStep(jobID string, stepIndex int, serviceID, operation string) *WorkflowStep {
	now := time.Now().UTC()
	return &WorkflowStep{
		Key:       StepKey(jobID, stepIndex),
		JobID:     jobID,
		StepIndex: stepIndex,
		ServiceID: serviceID,
		Operation: operation,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ProgressFraction reports this step's completion in [0,1]. Steps with no
// expected work yet contribute zero.
func (s *WorkflowStep) ProgressFraction() float64 {
	if s.IsComplete {
		return 1
	}
	if s.WorkItemCount <= 0 {
		return 0
	}
	f := float64(s.CompletedWorkItemCount) / float64(s.WorkItemCount)
	if f > 1 {
		f = 1
	}
	return f
}

// MarkComplete flips the completion flag. The flag never reverts.
func (s *WorkflowStep) MarkComplete() {
	if !s.IsComplete {
		s.IsComplete = true
		s.UpdatedAt = time.Now().UTC()
	}
}

// RecordCompletedItem bumps the completed counter, clamped to the expected
// count while the step is incomplete.
func (s *WorkflowStep) RecordCompletedItem() {
	if s.CompletedWorkItemCount < s.WorkItemCount {
		s.CompletedWorkItemCount++
		s.UpdatedAt = time.Now().UTC()
	}
}

// Validate checks the invariants that must hold for persistence.
func (s *WorkflowStep) Validate() error {
	if s.JobID == "" {
		return fmt.Errorf("workflow step jobID is required")
	}
	if s.StepIndex < 1 {
		return fmt.Errorf("workflow step index must be >= 1")
	}
	if s.ServiceID == "" {
		return fmt.Errorf("workflow step serviceID is required")
	}
	if s.CompletedWorkItemCount > s.WorkItemCount && !s.IsComplete {
		return fmt.Errorf("completedWorkItemCount %d exceeds workItemCount %d", s.CompletedWorkItemCount, s.WorkItemCount)
	}
	return nil
}
