package models

import "time"

// MessageLevel classifies a job message.
type MessageLevel string

const (
	MessageLevelError   MessageLevel = "error"
	MessageLevelWarning MessageLevel = "warning"
)

// Message categories surfaced to users alongside errors and warnings.
const (
	MessageCategoryGeneric     = "generic"
	MessageCategoryTimeout     = "execution timeout"
	MessageCategoryServerError = "server error"
	MessageCategoryStacRead    = "unreadable results catalog"
	MessageCategorySizeLookup  = "could not resolve output size"
	MessageCategoryNoOutputs   = "no outputs"
	MessageCategoryCallback    = "service callback"
)

// JobMessage is one error or warning attached to a job. Append-only.
type JobMessage struct {
	ID        uint64       `json:"id" badgerhold:"key"`
	JobID     string       `json:"jobID" badgerhold:"index"`
	URL       string       `json:"url,omitempty"`
	Message   string       `json:"message"`
	Level     MessageLevel `json:"level" badgerhold:"index"`
	Category  string       `json:"category,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// NewJobMessage creates a message record. ID is assigned at insert.
func NewJobMessage(jobID string, level MessageLevel, message, category string) *JobMessage {
	if category == "" {
		category = MessageCategoryGeneric
	}
	return &JobMessage{
		JobID:     jobID,
		Message:   message,
		Level:     level,
		Category:  category,
		CreatedAt: time.Now().UTC(),
	}
}
