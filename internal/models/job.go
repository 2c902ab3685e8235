// -----------------------------------------------------------------------
// Job - a user's end-to-end transformation request
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusAccepted           JobStatus = "accepted"
	JobStatusPreviewing         JobStatus = "previewing"
	JobStatusRunning            JobStatus = "running"
	JobStatusRunningWithErrors  JobStatus = "running_with_errors"
	JobStatusPaused             JobStatus = "paused"
	JobStatusCompleteWithErrors JobStatus = "complete_with_errors"
	JobStatusSuccessful         JobStatus = "successful"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCanceled           JobStatus = "canceled"
)

// terminalJobStatuses are absorbing: once entered, a job never leaves them.
var terminalJobStatuses = map[JobStatus]bool{
	JobStatusSuccessful:         true,
	JobStatusFailed:             true,
	JobStatusCanceled:           true,
	JobStatusCompleteWithErrors: true,
}

// activeJobStatuses are the states in which work may be scheduled.
var activeJobStatuses = map[JobStatus]bool{
	JobStatusAccepted:          true,
	JobStatusPreviewing:        true,
	JobStatusRunning:           true,
	JobStatusRunningWithErrors: true,
}

// IsTerminal returns true for absorbing job statuses.
func (s JobStatus) IsTerminal() bool {
	return terminalJobStatuses[s]
}

// IsActive returns true when work for the job may still be handed out.
func (s JobStatus) IsActive() bool {
	return activeJobStatuses[s]
}

const maxLabelLength = 255

// Job is the persistent record of one transformation request. A job owns its
// workflow steps, work items, links, messages, user_work rows, and batches;
// deleting the job cascades to all of them.
type Job struct {
	ID               string    `json:"jobID" badgerhold:"key"`
	Username         string    `json:"username" badgerhold:"index"`
	Request          string    `json:"request"`
	Status           JobStatus `json:"status" badgerhold:"index"`
	Progress         int       `json:"progress"`
	NumInputGranules int       `json:"numInputGranules"`
	Labels           []string  `json:"labels,omitempty"`
	IgnoreErrors     bool      `json:"ignoreErrors"`
	DestinationURL   string    `json:"destinationUrl,omitempty"`
	IsAsync          bool      `json:"isAsync"`

	// Messages is keyed by the status the message was attached under, so a
	// failure explanation survives a later status read.
	Messages map[string]string `json:"messages,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewJob creates a job in the accepted state.
func NewJob(username, request string, numInputGranules int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:               uuid.New().String(),
		Username:         username,
		Request:          request,
		Status:           JobStatusAccepted,
		Progress:         0,
		NumInputGranules: numInputGranules,
		Messages:         make(map[string]string),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsTerminal returns true once the job has reached an absorbing status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// SetStatus moves the job to status and records an optional status-keyed
// message. Transitions out of a terminal status are rejected.
func (j *Job) SetStatus(status JobStatus, message string) error {
	if j.IsTerminal() && status != j.Status {
		return fmt.Errorf("cannot move job %s from %s to %s: %w", j.ID, j.Status, status, ErrJobConflict)
	}
	j.Status = status
	if message != "" {
		j.SetMessage(message)
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SetMessage attaches a message under the current status.
func (j *Job) SetMessage(message string) {
	if j.Messages == nil {
		j.Messages = make(map[string]string)
	}
	j.Messages[string(j.Status)] = message
}

// Message returns the message recorded for the current status.
func (j *Job) Message() string {
	if j.Messages == nil {
		return ""
	}
	return j.Messages[string(j.Status)]
}

// SetProgress raises progress to p. Progress never decreases and never
// exceeds 99 while the job is non-terminal; Finish sets the final value.
func (j *Job) SetProgress(p int) {
	if p > 99 && !j.IsTerminal() {
		p = 99
	}
	if p > j.Progress {
		j.Progress = p
		j.UpdatedAt = time.Now().UTC()
	}
}

// LowerNumInputGranules shrinks the expected granule count. Values that
// would grow the count are ignored; the field is non-increasing.
func (j *Job) LowerNumInputGranules(hits int) bool {
	if hits < 0 || hits >= j.NumInputGranules {
		return false
	}
	j.NumInputGranules = hits
	j.UpdatedAt = time.Now().UTC()
	return true
}

// Finish moves the job to a terminal status, pins progress, and records the
// final message. Progress lands on 100 unless the job failed or was
// canceled, in which case it freezes where it was.
func (j *Job) Finish(status JobStatus, message string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish called with non-terminal status %s", status)
	}
	if j.IsTerminal() {
		return fmt.Errorf("job %s already finished as %s: %w", j.ID, j.Status, ErrJobConflict)
	}
	j.Status = status
	if status == JobStatusSuccessful || status == JobStatusCompleteWithErrors {
		j.Progress = 100
	}
	if message != "" {
		j.SetMessage(message)
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// NormalizeLabels lowercases and trims labels, dropping empties.
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// ValidateLabels enforces the per-label length limit.
func ValidateLabels(labels []string) error {
	for _, l := range labels {
		if len(l) > maxLabelLength {
			return fmt.Errorf("label %q exceeds %d characters", l[:32]+"...", maxLabelLength)
		}
	}
	return nil
}

// Validate checks the fields required for persistence.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Username == "" {
		return fmt.Errorf("job username is required")
	}
	if j.NumInputGranules < 0 {
		return fmt.Errorf("numInputGranules cannot be negative")
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("progress must be within 0-100")
	}
	return ValidateLabels(j.Labels)
}
