package badger

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// maxConflictRetries bounds the outer retry loop around Badger's
// serializable-snapshot conflicts. Conflicts are transient; anything
// surviving the retries surfaces to the caller.
const maxConflictRetries = 5

// sequenceBandwidth is how many IDs each Badger sequence leases at a time.
const sequenceBandwidth = 128

// ItemsCreatedListener is notified after a commit that inserted work items,
// with the common serviceID and the number of items created.
type ItemsCreatedListener func(serviceID string, count int)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	locks  *lockRegistry
	logger arbor.ILogger

	itemSeq    *badgerdb.Sequence
	linkSeq    *badgerdb.Sequence
	messageSeq *badgerdb.Sequence

	job      interfaces.JobStorage
	step     interfaces.WorkflowStepStorage
	item     interfaces.WorkItemStorage
	userWork interfaces.UserWorkStorage
	link     interfaces.LinkStorage
	message  interfaces.MessageStorage

	onItemsCreated ItemsCreatedListener
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		locks:  newLockRegistry(),
		logger: logger,
	}

	for _, seq := range []struct {
		name string
		dst  **badgerdb.Sequence
	}{
		{"seq:work_item", &manager.itemSeq},
		{"seq:job_link", &manager.linkSeq},
		{"seq:job_message", &manager.messageSeq},
	} {
		s, err := db.Store().Badger().GetSequence([]byte(seq.name), sequenceBandwidth)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open sequence %s: %w", seq.name, err)
		}
		*seq.dst = s
	}

	manager.job = NewJobStorage(db, logger)
	manager.step = NewWorkflowStepStorage(db, logger)
	manager.item = NewWorkItemStorage(db, logger)
	manager.userWork = NewUserWorkStorage(db, logger)
	manager.link = NewLinkStorage(db, logger)
	manager.message = NewMessageStorage(db, logger)

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// Badger exposes the underlying database handle so other components (the
// persistent queues) share one store.
func (m *Manager) Badger() *badgerdb.DB {
	return m.db.Store().Badger()
}

// SetItemsCreatedListener registers the post-commit notification for work
// item inserts. Wired once at composition time, before any traffic.
func (m *Manager) SetItemsCreatedListener(fn ItemsCreatedListener) {
	m.onItemsCreated = fn
}

// JobStorage returns the read-side job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// WorkflowStepStorage returns the read-side step storage interface
func (m *Manager) WorkflowStepStorage() interfaces.WorkflowStepStorage {
	return m.step
}

// WorkItemStorage returns the read-side work item storage interface
func (m *Manager) WorkItemStorage() interfaces.WorkItemStorage {
	return m.item
}

// UserWorkStorage returns the read-side scheduling index interface
func (m *Manager) UserWorkStorage() interfaces.UserWorkStorage {
	return m.userWork
}

// LinkStorage returns the read-side job link storage interface
func (m *Manager) LinkStorage() interfaces.LinkStorage {
	return m.link
}

// MessageStorage returns the read-side job message storage interface
func (m *Manager) MessageStorage() interfaces.MessageStorage {
	return m.message
}

// WithJobLock runs fn with the job's mutex held, inside one Badger
// read-write transaction. Writes commit atomically; hooks registered via
// OnCommit run only after a successful commit.
func (m *Manager) WithJobLock(ctx context.Context, jobID string, fn func(tx interfaces.JobTx) error) error {
	m.locks.Lock(jobID)
	defer m.locks.Unlock(jobID)
	return m.runJobTx(ctx, jobID, fn)
}

// TryWithJobLock is WithJobLock with try-lock semantics: the second return
// reports whether the lock was acquired at all.
func (m *Manager) TryWithJobLock(ctx context.Context, jobID string, fn func(tx interfaces.JobTx) error) (bool, error) {
	if !m.locks.TryLock(jobID) {
		return false, nil
	}
	defer m.locks.Unlock(jobID)
	return true, m.runJobTx(ctx, jobID, fn)
}

func (m *Manager) runJobTx(ctx context.Context, jobID string, fn func(tx interfaces.JobTx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var hooks []func()
		err := m.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
			var job models.Job
			if err := m.db.Store().TxGet(txn, jobID, &job); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
				}
				return fmt.Errorf("failed to load job %s: %w", jobID, err)
			}
			tx := &jobTx{m: m, txn: txn, job: &job, hooks: &hooks}
			return fn(tx)
		})
		if errors.Is(err, badgerdb.ErrConflict) {
			lastErr = err
			m.logger.Debug().Str("job_id", jobID).Int("attempt", attempt+1).Msg("Transaction conflict, retrying")
			continue
		}
		if err != nil {
			return err
		}
		for _, hook := range hooks {
			hook()
		}
		return nil
	}
	return fmt.Errorf("job %s transaction still conflicting after %d attempts: %w", jobID, maxConflictRetries, lastErr)
}

// CreateJob atomically persists a new job, its steps, its first work items,
// and the scheduling counters they imply.
func (m *Manager) CreateJob(ctx context.Context, job *models.Job, steps []*models.WorkflowStep, items []*models.WorkItem) error {
	if err := job.Validate(); err != nil {
		return err
	}
	for _, step := range steps {
		if err := step.Validate(); err != nil {
			return err
		}
	}

	m.locks.Lock(job.ID)
	defer m.locks.Unlock(job.ID)

	var hooks []func()
	err := m.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		if err := m.db.Store().TxInsert(txn, job.ID, *job); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				return fmt.Errorf("job %s already exists: %w", job.ID, models.ErrJobConflict)
			}
			return fmt.Errorf("failed to insert job: %w", err)
		}
		for _, step := range steps {
			if err := m.db.Store().TxInsert(txn, step.Key, *step); err != nil {
				return fmt.Errorf("failed to insert step %d: %w", step.StepIndex, err)
			}
		}
		tx := &jobTx{m: m, txn: txn, job: job, hooks: &hooks}
		return tx.InsertWorkItems(items)
	})
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Int("steps", len(steps)).
		Int("work_items", len(items)).
		Msg("Job created")
	return nil
}

// DeleteJob removes a job and everything it owns: steps, work items, links,
// messages, user_work rows, and batches. The job lock keeps the cascade
// atomic against concurrent updates.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	m.locks.Lock(jobID)
	defer m.locks.Unlock(jobID)

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
			var job models.Job
			if err := m.db.Store().TxGet(txn, jobID, &job); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
				}
				return fmt.Errorf("failed to load job %s: %w", jobID, err)
			}

			byJob := badgerhold.Where("JobID").Eq(jobID)
			for _, owned := range []interface{}{
				&models.WorkItem{},
				&models.WorkflowStep{},
				&models.JobLink{},
				&models.JobMessage{},
				&models.Batch{},
				&models.UserWork{},
			} {
				if err := m.db.Store().TxDeleteMatching(txn, owned, byJob); err != nil {
					return fmt.Errorf("failed to delete %T rows for job %s: %w", owned, jobID, err)
				}
			}

			if err := m.db.Store().TxDelete(txn, jobID, models.Job{}); err != nil {
				return fmt.Errorf("failed to delete job %s: %w", jobID, err)
			}
			return nil
		})
		if errors.Is(err, badgerdb.ErrConflict) {
			lastErr = err
			m.logger.Debug().Str("job_id", jobID).Int("attempt", attempt+1).Msg("Delete conflict, retrying")
			continue
		}
		if err != nil {
			return err
		}

		m.logger.Info().Str("job_id", jobID).Msg("Job deleted")
		return nil
	}
	return fmt.Errorf("job %s delete still conflicting after %d attempts: %w", jobID, maxConflictRetries, lastErr)
}

// nextID draws from a sequence, skipping zero so item IDs are always
// positive.
func nextID(seq *badgerdb.Sequence) (uint64, error) {
	for {
		id, err := seq.Next()
		if err != nil {
			return 0, fmt.Errorf("failed to advance sequence: %w", err)
		}
		if id != 0 {
			return id, nil
		}
	}
}

// RunGC runs one round of Badger value-log garbage collection.
func (m *Manager) RunGC() error {
	for {
		err := m.db.Store().Badger().RunValueLogGC(0.5)
		if err != nil {
			if errors.Is(err, badgerdb.ErrNoRewrite) {
				return nil
			}
			return err
		}
	}
}

// Close releases sequences and closes the database connection.
func (m *Manager) Close() error {
	for _, seq := range []*badgerdb.Sequence{m.itemSeq, m.linkSeq, m.messageSeq} {
		if seq != nil {
			if err := seq.Release(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to release sequence")
			}
		}
	}
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
