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

// JobStorage implements the read-side JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.ListOptions) ([]*models.Job, error) {
	query := s.buildQuery(opts).SortBy("CreatedAt").Reverse()
	if opts != nil {
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, opts *interfaces.ListOptions) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, s.buildQuery(opts))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) buildQuery(opts *interfaces.ListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if opts == nil {
		return query
	}
	if opts.Username != "" {
		query = query.And("Username").Eq(opts.Username)
	}
	if len(opts.Statuses) > 0 {
		in := make([]interface{}, len(opts.Statuses))
		for i, st := range opts.Statuses {
			in[i] = st
		}
		query = query.And("Status").In(in...)
	}
	return query
}
