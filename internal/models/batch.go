package models

import (
	"fmt"
	"time"
)

// BatchEntry is one prior-step output accumulated into a batch.
type BatchEntry struct {
	Href      string `json:"href"`
	Size      int64  `json:"size"`
	SortIndex int    `json:"sortIndex"`
}

// Batch accumulates prior-step outputs for a batched aggregation step. At
// most one open batch exists per (job, step); closing a batch emits exactly
// one work item for it.
type Batch struct {
	// Key is JobID:StepIndex:BatchIndex, see BatchKey.
	Key        string       `json:"-" badgerhold:"key"`
	JobID      string       `json:"jobID" badgerhold:"index"`
	StepIndex  int          `json:"stepIndex"`
	BatchIndex int          `json:"batchIndex"`
	Entries    []BatchEntry `json:"entries"`
	Closed     bool         `json:"closed"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// BatchKey builds the storage key for a batch.
func BatchKey(jobID string, stepIndex, batchIndex int) string {
	return fmt.Sprintf("%s:%04d:%06d", jobID, stepIndex, batchIndex)
}

// NewBatch creates an empty open batch.
func NewBatch(jobID string, stepIndex, batchIndex int) *Batch {
	now := time.Now().UTC()
	return &Batch{
		Key:        BatchKey(jobID, stepIndex, batchIndex),
		JobID:      jobID,
		StepIndex:  stepIndex,
		BatchIndex: batchIndex,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Add appends an entry and reports the new totals.
func (b *Batch) Add(entry BatchEntry) (count int, totalSize int64) {
	b.Entries = append(b.Entries, entry)
	b.UpdatedAt = time.Now().UTC()
	return len(b.Entries), b.TotalSize()
}

// TotalSize sums the entry sizes.
func (b *Batch) TotalSize() int64 {
	var total int64
	for _, e := range b.Entries {
		total += e.Size
	}
	return total
}

// IsFull reports whether the batch has reached either limit. Zero limits
// mean unlimited for that dimension.
func (b *Batch) IsFull(maxInputs int, maxSizeBytes int64) bool {
	if maxInputs > 0 && len(b.Entries) >= maxInputs {
		return true
	}
	if maxSizeBytes > 0 && b.TotalSize() >= maxSizeBytes {
		return true
	}
	return false
}
