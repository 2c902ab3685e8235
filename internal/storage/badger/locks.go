package badger

import "sync"

// lockRegistry hands out one mutex per job ID. Holding a job's mutex
// serializes every workflow mutation for that job; TryLock gives the
// scheduler skip-locked behavior across concurrent callers.
//
// Entries are never removed: the registry grows with distinct job IDs seen
// by this process, which is bounded by job churn between restarts.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*sync.Mutex)}
}

func (r *lockRegistry) get(jobID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[jobID] = l
	}
	return l
}

// Lock blocks until the job's mutex is held.
func (r *lockRegistry) Lock(jobID string) {
	r.get(jobID).Lock()
}

// TryLock acquires the job's mutex only if it is free.
func (r *lockRegistry) TryLock(jobID string) bool {
	return r.get(jobID).TryLock()
}

// Unlock releases the job's mutex.
func (r *lockRegistry) Unlock(jobID string) {
	r.get(jobID).Unlock()
}
