package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// WorkflowStepStorage implements the read-side step storage for Badger
type WorkflowStepStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewWorkflowStepStorage creates a new WorkflowStepStorage instance
func NewWorkflowStepStorage(db *BadgerDB, logger arbor.ILogger) interfaces.WorkflowStepStorage {
	return &WorkflowStepStorage{
		db:     db,
		logger: logger,
	}
}

func (s *WorkflowStepStorage) GetStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error) {
	var step models.WorkflowStep
	if err := s.db.Store().Get(models.StepKey(jobID, stepIndex), &step); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("step %d of job %s: %w", stepIndex, jobID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return &step, nil
}

func (s *WorkflowStepStorage) StepsForJob(ctx context.Context, jobID string) ([]*models.WorkflowStep, error) {
	var steps []models.WorkflowStep
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("StepIndex")
	if err := s.db.Store().Find(&steps, query); err != nil {
		return nil, fmt.Errorf("failed to list steps for job %s: %w", jobID, err)
	}
	result := make([]*models.WorkflowStep, len(steps))
	for i := range steps {
		result[i] = &steps[i]
	}
	return result, nil
}
