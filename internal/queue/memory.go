package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// MemoryQueue is an in-process MessageQueue with receipt and visibility
// semantics matching the persistent variant. Used by tests and by
// single-process deployments that can afford to lose in-flight updates on
// restart.
type MemoryQueue struct {
	mu         sync.Mutex
	messages   []*memoryMessage
	maxReceive int
}

type memoryMessage struct {
	id           string
	payload      []byte
	receipt      string
	receiveCount int
	enqueuedAt   time.Time
	visibleAt    time.Time
}

// NewMemoryQueue creates an empty in-memory queue with a default redelivery
// limit of 10.
func NewMemoryQueue() interfaces.MessageQueue {
	return NewMemoryQueueWithMaxReceive(10)
}

// NewMemoryQueueWithMaxReceive creates an in-memory queue that drops
// messages received more than maxReceive times.
func NewMemoryQueueWithMaxReceive(maxReceive int) interfaces.MessageQueue {
	if maxReceive <= 0 {
		maxReceive = 10
	}
	return &MemoryQueue{maxReceive: maxReceive}
}

func (q *MemoryQueue) Send(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	q.messages = append(q.messages, &memoryMessage{
		id:         uuid.New().String(),
		payload:    payload,
		enqueuedAt: now,
		visibleAt:  now,
	})
	return nil
}

func (q *MemoryQueue) SendBatch(ctx context.Context, payloads [][]byte) error {
	for _, p := range payloads {
		if err := q.Send(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns up to max visible messages in FIFO order, hiding each
// behind a fresh receipt for the visibility window.
func (q *MemoryQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]*models.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []*models.QueueMessage
	kept := q.messages[:0]
	for _, m := range q.messages {
		if len(out) >= max || m.visibleAt.After(now) {
			kept = append(kept, m)
			continue
		}
		if m.receiveCount >= q.maxReceive {
			// Poison message: drop it rather than block the queue.
			continue
		}
		kept = append(kept, m)
		m.receiveCount++
		m.receipt = uuid.New().String()
		m.visibleAt = now.Add(visibility)
		out = append(out, &models.QueueMessage{
			ID:           m.id,
			Payload:      m.payload,
			Receipt:      m.receipt,
			ReceiveCount: m.receiveCount,
			EnqueuedAt:   m.enqueuedAt,
			VisibleAt:    m.visibleAt,
		})
	}
	q.messages = kept
	return out, nil
}

// Delete acknowledges a receipt. Receipts from superseded deliveries are
// rejected so a redelivered message cannot be deleted by a stale holder.
func (q *MemoryQueue) Delete(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.receipt == receipt {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return models.ErrInvalidReceipt
}

func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), nil
}

func (q *MemoryQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
	return nil
}
