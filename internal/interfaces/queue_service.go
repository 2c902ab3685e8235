package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/harmony/internal/models"
)

// MessageQueue is an at-least-once queue with visibility timeouts. Received
// messages reappear unless deleted by receipt before the timeout lapses.
type MessageQueue interface {
	Send(ctx context.Context, payload []byte) error
	SendBatch(ctx context.Context, payloads [][]byte) error
	Receive(ctx context.Context, max int, visibility time.Duration) ([]*models.QueueMessage, error)
	Delete(ctx context.Context, receipt string) error
	Length(ctx context.Context) (int, error)
	Purge(ctx context.Context) error
}

// WakeUpQueue coalesces scheduler nudges by service so a burst of new work
// items produces one pass per service, not one per item.
type WakeUpQueue interface {
	Wake(ctx context.Context, serviceID string) error
	// Take consumes the pending wake-up for one service, reporting whether
	// one was present.
	Take(ctx context.Context, serviceID string) (bool, error)
	// DrainServices removes and returns up to max distinct service IDs.
	DrainServices(ctx context.Context, max int) ([]string, error)
	Length(ctx context.Context) (int, error)
}

// QueueManager owns every queue in the process.
type QueueManager interface {
	// SmallUpdates carries status-only work item updates, drained in batches.
	SmallUpdates() MessageQueue
	// LargeUpdates carries updates with result catalogs, drained one at a time.
	LargeUpdates() MessageQueue
	// UpdateQueueFor routes an update by payload weight.
	UpdateQueueFor(update *models.WorkItemUpdate) MessageQueue
	WakeUps() WakeUpQueue
	Close() error
}
