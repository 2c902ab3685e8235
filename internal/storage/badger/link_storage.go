package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// LinkStorage implements the read-side job link storage for Badger
type LinkStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLinkStorage creates a new LinkStorage instance
func NewLinkStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LinkStorage {
	return &LinkStorage{
		db:     db,
		logger: logger,
	}
}

func (s *LinkStorage) LinksForJob(ctx context.Context, jobID string, rel string, limit, offset int) ([]*models.JobLink, error) {
	query := s.buildQuery(jobID, rel).SortBy("ID")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Skip(offset)
	}

	var links []models.JobLink
	if err := s.db.Store().Find(&links, query); err != nil {
		return nil, fmt.Errorf("failed to list links for job %s: %w", jobID, err)
	}
	result := make([]*models.JobLink, len(links))
	for i := range links {
		result[i] = &links[i]
	}
	return result, nil
}

func (s *LinkStorage) CountLinks(ctx context.Context, jobID string, rel string) (int, error) {
	count, err := s.db.Store().Count(&models.JobLink{}, s.buildQuery(jobID, rel))
	if err != nil {
		return 0, fmt.Errorf("failed to count links for job %s: %w", jobID, err)
	}
	return int(count), nil
}

func (s *LinkStorage) buildQuery(jobID, rel string) *badgerhold.Query {
	query := badgerhold.Where("JobID").Eq(jobID)
	if rel != "" {
		query = query.And("Rel").Eq(rel)
	}
	return query
}
