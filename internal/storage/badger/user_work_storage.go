package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// UserWorkStorage implements the read-side scheduling index for Badger
type UserWorkStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUserWorkStorage creates a new UserWorkStorage instance
func NewUserWorkStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UserWorkStorage {
	return &UserWorkStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UserWorkStorage) GetUserWork(ctx context.Context, jobID, serviceID string) (*models.UserWork, error) {
	var row models.UserWork
	if err := s.db.Store().Get(models.UserWorkKey(jobID, serviceID), &row); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("user_work %s/%s: %w", jobID, serviceID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user_work: %w", err)
	}
	return &row, nil
}

// CandidatesForService returns rows with ready work for a service, least
// recently served first, jobID breaking ties. This is the scheduler's
// fairness order.
func (s *UserWorkStorage) CandidatesForService(ctx context.Context, serviceID string) ([]*models.UserWork, error) {
	var rows []models.UserWork
	query := badgerhold.Where("ServiceID").Eq(serviceID).And("ReadyCount").Gt(0)
	if err := s.db.Store().Find(&rows, query); err != nil {
		return nil, fmt.Errorf("failed to find candidates for %s: %w", serviceID, err)
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].LastServedAt.Equal(rows[j].LastServedAt) {
			return rows[i].LastServedAt.Before(rows[j].LastServedAt)
		}
		return rows[i].JobID < rows[j].JobID
	})

	result := make([]*models.UserWork, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return result, nil
}

// DeleteOrphanedRows removes every user_work row for a job whose job row no
// longer exists. WithJobLock cannot reach these rows: it fails with not-found
// before the transaction body runs.
func (s *UserWorkStorage) DeleteOrphanedRows(ctx context.Context, jobID string) error {
	query := badgerhold.Where("JobID").Eq(jobID)
	if err := s.db.Store().DeleteMatching(&models.UserWork{}, query); err != nil {
		return fmt.Errorf("failed to delete orphaned user_work for %s: %w", jobID, err)
	}
	return nil
}

// RowsForTerminalJobs returns user_work rows whose owning job has reached a
// terminal status. The janitor deletes these.
func (s *UserWorkStorage) RowsForTerminalJobs(ctx context.Context, limit int) ([]*models.UserWork, error) {
	var rows []models.UserWork
	if err := s.db.Store().Find(&rows, badgerhold.Where("JobID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to list user_work rows: %w", err)
	}

	// Badgerhold has no joins; check each distinct job once.
	terminal := make(map[string]bool)
	var result []*models.UserWork
	for i := range rows {
		jobID := rows[i].JobID
		isTerminal, seen := terminal[jobID]
		if !seen {
			var job models.Job
			err := s.db.Store().Get(jobID, &job)
			switch {
			case errors.Is(err, badgerhold.ErrNotFound):
				isTerminal = true // orphaned row, job deleted
			case err != nil:
				return nil, fmt.Errorf("failed to check job %s: %w", jobID, err)
			default:
				isTerminal = job.IsTerminal()
			}
			terminal[jobID] = isTerminal
		}
		if isTerminal {
			result = append(result, &rows[i])
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
