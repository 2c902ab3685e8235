package queue

import (
	"context"
	"sync"

	"github.com/ternarybob/harmony/internal/interfaces"
)

// MemoryWakeUpQueue coalesces wake-up signals per service. A service that is
// woken ten times before anyone looks still holds a single pending signal, so
// schedulers never burn cycles on redundant scans.
type MemoryWakeUpQueue struct {
	mu      sync.Mutex
	pending map[string]struct{}
	order   []string
}

func NewMemoryWakeUpQueue() interfaces.WakeUpQueue {
	return &MemoryWakeUpQueue{
		pending: make(map[string]struct{}),
	}
}

func (q *MemoryWakeUpQueue) Wake(ctx context.Context, serviceID string) error {
	if serviceID == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[serviceID]; !ok {
		q.pending[serviceID] = struct{}{}
		q.order = append(q.order, serviceID)
	}
	return nil
}

// Take consumes the pending signal for serviceID, reporting whether one was
// present.
func (q *MemoryWakeUpQueue) Take(ctx context.Context, serviceID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[serviceID]; !ok {
		return false, nil
	}
	delete(q.pending, serviceID)
	for i, id := range q.order {
		if id == serviceID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// DrainServices consumes and returns up to max services with pending
// signals, in the order the signals first arrived.
func (q *MemoryWakeUpQueue) DrainServices(ctx context.Context, max int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 || max <= 0 {
		return nil, nil
	}
	n := max
	if n > len(q.order) {
		n = len(q.order)
	}
	out := make([]string, n)
	copy(out, q.order[:n])
	q.order = append(q.order[:0], q.order[n:]...)
	for _, id := range out {
		delete(q.pending, id)
	}
	return out, nil
}

func (q *MemoryWakeUpQueue) Length(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order), nil
}
