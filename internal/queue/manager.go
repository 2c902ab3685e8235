package queue

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

const (
	smallUpdatesQueueName = "updates-small"
	largeUpdatesQueueName = "updates-large"
)

// Manager owns the process queues: a small queue for status-only updates, a
// large queue for updates carrying result catalogs, and the in-memory wake-up
// channel for schedulers.
type Manager struct {
	small   interfaces.MessageQueue
	large   interfaces.MessageQueue
	wakeUps interfaces.WakeUpQueue
}

// NewManager builds persistent update queues on db. maxReceive bounds
// redelivery before a message is dropped as poison.
func NewManager(db *badger.DB, maxReceive int) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	small, err := NewBadgerQueue(db, smallUpdatesQueueName, maxReceive)
	if err != nil {
		return nil, err
	}
	large, err := NewBadgerQueue(db, largeUpdatesQueueName, maxReceive)
	if err != nil {
		return nil, err
	}
	return &Manager{
		small:   small,
		large:   large,
		wakeUps: NewMemoryWakeUpQueue(),
	}, nil
}

// NewMemoryManager builds a fully in-memory manager for tests.
func NewMemoryManager() *Manager {
	return &Manager{
		small:   NewMemoryQueue(),
		large:   NewMemoryQueue(),
		wakeUps: NewMemoryWakeUpQueue(),
	}
}

func (m *Manager) SmallUpdates() interfaces.MessageQueue {
	return m.small
}

func (m *Manager) LargeUpdates() interfaces.MessageQueue {
	return m.large
}

// UpdateQueueFor routes by payload weight: updates carrying result catalogs
// go to the large queue, everything else to the small queue.
func (m *Manager) UpdateQueueFor(update *models.WorkItemUpdate) interfaces.MessageQueue {
	if update != nil && len(update.Results) > 0 {
		return m.large
	}
	return m.small
}

func (m *Manager) WakeUps() interfaces.WakeUpQueue {
	return m.wakeUps
}

// Close is a no-op: queue storage is owned by the shared BadgerDB handle.
func (m *Manager) Close() error {
	return nil
}
