package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// WorkItemStorage implements the read-side work item storage for Badger
type WorkItemStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewWorkItemStorage creates a new WorkItemStorage instance
func NewWorkItemStorage(db *BadgerDB, logger arbor.ILogger) interfaces.WorkItemStorage {
	return &WorkItemStorage{
		db:     db,
		logger: logger,
	}
}

func (s *WorkItemStorage) GetWorkItem(ctx context.Context, id uint64) (*models.WorkItem, error) {
	var item models.WorkItem
	if err := s.db.Store().Get(id, &item); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("work item %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return &item, nil
}

func (s *WorkItemStorage) ItemsForJob(ctx context.Context, jobID string) ([]*models.WorkItem, error) {
	var items []models.WorkItem
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("ID")
	if err := s.db.Store().Find(&items, query); err != nil {
		return nil, fmt.Errorf("failed to list items for job %s: %w", jobID, err)
	}
	result := make([]*models.WorkItem, len(items))
	for i := range items {
		result[i] = &items[i]
	}
	return result, nil
}

// RunningSince returns running items whose last update is older than the
// cutoff, oldest first. The reaper turns these into synthetic failures.
func (s *WorkItemStorage) RunningSince(ctx context.Context, cutoff time.Time, limit int) ([]*models.WorkItem, error) {
	var items []models.WorkItem
	query := badgerhold.Where("Status").In(
		interface{}(models.WorkItemStatusRunning),
		interface{}(models.WorkItemStatusQueued),
	).And("UpdatedAt").Lt(cutoff).SortBy("UpdatedAt")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&items, query); err != nil {
		return nil, fmt.Errorf("failed to find stale running items: %w", err)
	}
	result := make([]*models.WorkItem, len(items))
	for i := range items {
		result[i] = &items[i]
	}
	return result, nil
}

// MaxSuccessfulDuration reports the longest observed duration among a
// service's successful items. Zero when the service has none yet.
func (s *WorkItemStorage) MaxSuccessfulDuration(ctx context.Context, serviceID string) (time.Duration, error) {
	var items []models.WorkItem
	query := badgerhold.Where("ServiceID").Eq(serviceID).
		And("Status").Eq(models.WorkItemStatusSuccessful).
		SortBy("Duration").Reverse().Limit(1)
	if err := s.db.Store().Find(&items, query); err != nil {
		return 0, fmt.Errorf("failed to find successful items for %s: %w", serviceID, err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	return time.Duration(items[0].Duration) * time.Millisecond, nil
}
