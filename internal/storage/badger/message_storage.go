package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// MessageStorage implements the read-side job message storage for Badger
type MessageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewMessageStorage creates a new MessageStorage instance
func NewMessageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.MessageStorage {
	return &MessageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *MessageStorage) MessagesForJob(ctx context.Context, jobID string) ([]*models.JobMessage, error) {
	var msgs []models.JobMessage
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("ID")
	if err := s.db.Store().Find(&msgs, query); err != nil {
		return nil, fmt.Errorf("failed to list messages for job %s: %w", jobID, err)
	}
	result := make([]*models.JobMessage, len(msgs))
	for i := range msgs {
		result[i] = &msgs[i]
	}
	return result, nil
}

func (s *MessageStorage) CountMessages(ctx context.Context, jobID string, level models.MessageLevel) (int, error) {
	query := badgerhold.Where("JobID").Eq(jobID)
	if level != "" {
		query = query.And("Level").Eq(level)
	}
	count, err := s.db.Store().Count(&models.JobMessage{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages for job %s: %w", jobID, err)
	}
	return int(count), nil
}
