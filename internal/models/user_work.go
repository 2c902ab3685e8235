package models

import (
	"fmt"
	"time"
)

// UserWork is the admission-control row for one (job, service) pair. The
// scheduler consults ReadyCount before touching work item rows; both counts
// are kept non-negative and repaired by recomputation when they drift.
type UserWork struct {
	// Key is JobID:ServiceID, see UserWorkKey.
	Key          string    `json:"-" badgerhold:"key"`
	JobID        string    `json:"jobID" badgerhold:"index"`
	ServiceID    string    `json:"serviceID" badgerhold:"index"`
	Username     string    `json:"username"`
	ReadyCount   int       `json:"readyCount"`
	RunningCount int       `json:"runningCount"`

	// LastServedAt drives least-recently-served fairness in the scheduler.
	LastServedAt time.Time `json:"lastServedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserWorkKey builds the storage key for a (job, service) pair.
func UserWorkKey(jobID, serviceID string) string {
	return fmt.Sprintf("%s:%s", jobID, serviceID)
}

// NewUserWork creates a zeroed counter row.
func NewUserWork(jobID, serviceID, username string) *UserWork {
	now := time.Now().UTC()
	return &UserWork{
		Key:       UserWorkKey(jobID, serviceID),
		JobID:     jobID,
		ServiceID: serviceID,
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddReady adjusts ReadyCount by delta, clamping at zero. The clamp keeps
// the row usable; the error tells the caller accounting drifted.
func (u *UserWork) AddReady(delta int) error {
	u.ReadyCount += delta
	u.UpdatedAt = time.Now().UTC()
	if u.ReadyCount < 0 {
		u.ReadyCount = 0
		return fmt.Errorf("readyCount for %s/%s: %w", u.JobID, u.ServiceID, ErrCounterUnderflow)
	}
	return nil
}

// AddRunning adjusts RunningCount by delta, clamping at zero.
func (u *UserWork) AddRunning(delta int) error {
	u.RunningCount += delta
	u.UpdatedAt = time.Now().UTC()
	if u.RunningCount < 0 {
		u.RunningCount = 0
		return fmt.Errorf("runningCount for %s/%s: %w", u.JobID, u.ServiceID, ErrCounterUnderflow)
	}
	return nil
}
