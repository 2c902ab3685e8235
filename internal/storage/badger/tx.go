package badger

import (
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// jobTx is the JobTx implementation: every method reads and writes through
// one Badger transaction while the job's mutex is held. Work items are
// touched one at a time, never from parallel goroutines.
type jobTx struct {
	m     *Manager
	txn   *badgerdb.Txn
	job   *models.Job
	hooks *[]func()
}

// Job returns the job row loaded at transaction start. Mutations become
// durable through SaveJob.
func (t *jobTx) Job() *models.Job {
	return t.job
}

func (t *jobTx) SaveJob(job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := t.m.db.Store().TxUpsert(t.txn, job.ID, *job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (t *jobTx) GetStep(stepIndex int) (*models.WorkflowStep, error) {
	var step models.WorkflowStep
	if err := t.m.db.Store().TxGet(t.txn, models.StepKey(t.job.ID, stepIndex), &step); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("step %d of job %s: %w", stepIndex, t.job.ID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get step %d: %w", stepIndex, err)
	}
	return &step, nil
}

func (t *jobTx) SaveStep(step *models.WorkflowStep) error {
	if err := step.Validate(); err != nil {
		return err
	}
	if err := t.m.db.Store().TxUpsert(t.txn, step.Key, *step); err != nil {
		return fmt.Errorf("failed to save step %d: %w", step.StepIndex, err)
	}
	return nil
}

func (t *jobTx) Steps() ([]*models.WorkflowStep, error) {
	var steps []models.WorkflowStep
	query := badgerhold.Where("JobID").Eq(t.job.ID).SortBy("StepIndex")
	if err := t.m.db.Store().TxFind(t.txn, &steps, query); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	out := make([]*models.WorkflowStep, len(steps))
	for i := range steps {
		out[i] = &steps[i]
	}
	return out, nil
}

func (t *jobTx) GetWorkItem(id uint64) (*models.WorkItem, error) {
	var item models.WorkItem
	if err := t.m.db.Store().TxGet(t.txn, id, &item); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("work item %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get work item %d: %w", id, err)
	}
	return &item, nil
}

func (t *jobTx) SaveWorkItem(item *models.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if err := t.m.db.Store().TxUpsert(t.txn, item.ID, *item); err != nil {
		return fmt.Errorf("failed to save work item %d: %w", item.ID, err)
	}
	return nil
}

// InsertWorkItems assigns IDs, persists the batch, raises the ready
// counters, and schedules the created notification for after commit.
func (t *jobTx) InsertWorkItems(items []*models.WorkItem) error {
	perService := make(map[string]int)
	for _, item := range items {
		id, err := nextID(t.m.itemSeq)
		if err != nil {
			return err
		}
		item.ID = id
		if err := item.Validate(); err != nil {
			return err
		}
		if item.Status != models.WorkItemStatusReady {
			return fmt.Errorf("work item %d inserted with status %s, want ready", item.ID, item.Status)
		}
		if err := t.m.db.Store().TxInsert(t.txn, item.ID, *item); err != nil {
			return fmt.Errorf("failed to insert work item %d: %w", item.ID, err)
		}
		perService[item.ServiceID]++
	}

	for serviceID, n := range perService {
		if err := t.AddReady(serviceID, n); err != nil {
			return err
		}
		if t.m.onItemsCreated != nil {
			sid, count := serviceID, n
			t.OnCommit(func() { t.m.onItemsCreated(sid, count) })
		}
	}
	return nil
}

// ClaimReadyItem moves the oldest ready item for a service to the given
// status, stamps StartedAt, and transfers the counters. Returns nil when
// nothing is ready.
func (t *jobTx) ClaimReadyItem(serviceID string, to models.WorkItemStatus) (*models.WorkItem, error) {
	var items []models.WorkItem
	query := badgerhold.Where("JobID").Eq(t.job.ID).
		And("ServiceID").Eq(serviceID).
		And("Status").Eq(models.WorkItemStatusReady).
		SortBy("ID").Limit(1)
	if err := t.m.db.Store().TxFind(t.txn, &items, query); err != nil {
		return nil, fmt.Errorf("failed to find ready items: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	item := &items[0]
	if err := item.Transition(to); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	item.StartedAt = &now
	if err := t.SaveWorkItem(item); err != nil {
		return nil, err
	}

	if err := t.AddReady(serviceID, -1); err != nil && !errors.Is(err, models.ErrCounterUnderflow) {
		return nil, err
	}
	if err := t.AddRunning(serviceID, 1); err != nil {
		return nil, err
	}
	return item, nil
}

func (t *jobTx) ItemsByStatus(stepIndex int, statuses ...models.WorkItemStatus) ([]*models.WorkItem, error) {
	query := t.itemQuery(stepIndex, statuses...).SortBy("ID")
	var items []models.WorkItem
	if err := t.m.db.Store().TxFind(t.txn, &items, query); err != nil {
		return nil, fmt.Errorf("failed to find items: %w", err)
	}
	out := make([]*models.WorkItem, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

func (t *jobTx) CountItemsByStatus(stepIndex int, statuses ...models.WorkItemStatus) (int, error) {
	count, err := t.m.db.Store().TxCount(t.txn, &models.WorkItem{}, t.itemQuery(stepIndex, statuses...))
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return int(count), nil
}

func (t *jobTx) itemQuery(stepIndex int, statuses ...models.WorkItemStatus) *badgerhold.Query {
	query := badgerhold.Where("JobID").Eq(t.job.ID)
	if stepIndex > 0 {
		query = query.And("WorkflowStepIndex").Eq(stepIndex)
	}
	if len(statuses) > 0 {
		in := make([]interface{}, len(statuses))
		for i, s := range statuses {
			in[i] = s
		}
		query = query.And("Status").In(in...)
	}
	return query
}

// CancelPendingItems moves the job's ready and queued items to canceled.
// Running items are left for their services to finish or the reaper to
// collect; their late updates land against the terminal job.
func (t *jobTx) CancelPendingItems() (int, error) {
	items, err := t.ItemsByStatus(0,
		models.WorkItemStatusReady, models.WorkItemStatusQueued)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := item.Transition(models.WorkItemStatusCanceled); err != nil {
			return 0, err
		}
		if err := t.SaveWorkItem(item); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

func (t *jobTx) getUserWork(serviceID string) (*models.UserWork, error) {
	var row models.UserWork
	err := t.m.db.Store().TxGet(t.txn, models.UserWorkKey(t.job.ID, serviceID), &row)
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.NewUserWork(t.job.ID, serviceID, t.job.Username), nil
		}
		return nil, fmt.Errorf("failed to get user_work: %w", err)
	}
	return &row, nil
}

func (t *jobTx) saveUserWork(row *models.UserWork) error {
	if err := t.m.db.Store().TxUpsert(t.txn, row.Key, *row); err != nil {
		return fmt.Errorf("failed to save user_work %s: %w", row.Key, err)
	}
	return nil
}

func (t *jobTx) AddReady(serviceID string, delta int) error {
	row, err := t.getUserWork(serviceID)
	if err != nil {
		return err
	}
	underflow := row.AddReady(delta)
	if err := t.saveUserWork(row); err != nil {
		return err
	}
	return underflow
}

func (t *jobTx) AddRunning(serviceID string, delta int) error {
	row, err := t.getUserWork(serviceID)
	if err != nil {
		return err
	}
	underflow := row.AddRunning(delta)
	if err := t.saveUserWork(row); err != nil {
		return err
	}
	return underflow
}

func (t *jobTx) TouchServed(serviceID string) error {
	row, err := t.getUserWork(serviceID)
	if err != nil {
		return err
	}
	row.LastServedAt = time.Now().UTC()
	return t.saveUserWork(row)
}

// RecomputeReadyCount replaces the ready counter with the true count of
// ready rows. Drift repair, per the scheduler contract.
func (t *jobTx) RecomputeReadyCount(serviceID string) error {
	query := badgerhold.Where("JobID").Eq(t.job.ID).
		And("ServiceID").Eq(serviceID).
		And("Status").Eq(models.WorkItemStatusReady)
	count, err := t.m.db.Store().TxCount(t.txn, &models.WorkItem{}, query)
	if err != nil {
		return fmt.Errorf("failed to count ready items: %w", err)
	}
	row, err := t.getUserWork(serviceID)
	if err != nil {
		return err
	}
	row.ReadyCount = int(count)
	row.UpdatedAt = time.Now().UTC()
	return t.saveUserWork(row)
}

// ZeroReadyCounts zeroes the ready counter on every user_work row of the
// job. Paused jobs keep their rows but stop surfacing as candidates.
func (t *jobTx) ZeroReadyCounts() error {
	var rows []models.UserWork
	query := badgerhold.Where("JobID").Eq(t.job.ID)
	if err := t.m.db.Store().TxFind(t.txn, &rows, query); err != nil {
		return fmt.Errorf("failed to list user_work rows: %w", err)
	}
	for i := range rows {
		row := rows[i]
		if row.ReadyCount == 0 {
			continue
		}
		row.ReadyCount = 0
		row.UpdatedAt = time.Now().UTC()
		if err := t.saveUserWork(&row); err != nil {
			return err
		}
	}
	return nil
}

func (t *jobTx) DeleteUserWork() error {
	query := badgerhold.Where("JobID").Eq(t.job.ID)
	if err := t.m.db.Store().TxDeleteMatching(t.txn, &models.UserWork{}, query); err != nil {
		return fmt.Errorf("failed to delete user_work rows: %w", err)
	}
	return nil
}

func (t *jobTx) AddLink(link *models.JobLink) error {
	id, err := nextID(t.m.linkSeq)
	if err != nil {
		return err
	}
	link.ID = id
	if err := t.m.db.Store().TxInsert(t.txn, link.ID, *link); err != nil {
		return fmt.Errorf("failed to insert job link: %w", err)
	}
	return nil
}

func (t *jobTx) CountDataLinks() (int, error) {
	query := badgerhold.Where("JobID").Eq(t.job.ID).And("Rel").Eq(models.LinkRelData)
	count, err := t.m.db.Store().TxCount(t.txn, &models.JobLink{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count data links: %w", err)
	}
	return int(count), nil
}

func (t *jobTx) AddMessage(msg *models.JobMessage) error {
	id, err := nextID(t.m.messageSeq)
	if err != nil {
		return err
	}
	msg.ID = id
	if err := t.m.db.Store().TxInsert(t.txn, msg.ID, *msg); err != nil {
		return fmt.Errorf("failed to insert job message: %w", err)
	}
	return nil
}

func (t *jobTx) Messages() ([]*models.JobMessage, error) {
	var msgs []models.JobMessage
	query := badgerhold.Where("JobID").Eq(t.job.ID).SortBy("ID")
	if err := t.m.db.Store().TxFind(t.txn, &msgs, query); err != nil {
		return nil, fmt.Errorf("failed to list job messages: %w", err)
	}
	out := make([]*models.JobMessage, len(msgs))
	for i := range msgs {
		out[i] = &msgs[i]
	}
	return out, nil
}

func (t *jobTx) CountErrors() (int, error) {
	query := badgerhold.Where("JobID").Eq(t.job.ID).And("Level").Eq(models.MessageLevelError)
	count, err := t.m.db.Store().TxCount(t.txn, &models.JobMessage{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count error messages: %w", err)
	}
	return int(count), nil
}

// OpenBatch returns the open batch for a step, creating one when none
// exists. At most one batch per (job, step) is ever open.
func (t *jobTx) OpenBatch(stepIndex int) (*models.Batch, error) {
	var batches []models.Batch
	query := badgerhold.Where("JobID").Eq(t.job.ID).
		And("StepIndex").Eq(stepIndex).
		And("Closed").Eq(false).Limit(1)
	if err := t.m.db.Store().TxFind(t.txn, &batches, query); err != nil {
		return nil, fmt.Errorf("failed to find open batch: %w", err)
	}
	if len(batches) > 0 {
		return &batches[0], nil
	}
	index, err := t.NextBatchIndex(stepIndex)
	if err != nil {
		return nil, err
	}
	batch := models.NewBatch(t.job.ID, stepIndex, index)
	if err := t.SaveBatch(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (t *jobTx) SaveBatch(batch *models.Batch) error {
	if err := t.m.db.Store().TxUpsert(t.txn, batch.Key, *batch); err != nil {
		return fmt.Errorf("failed to save batch %s: %w", batch.Key, err)
	}
	return nil
}

func (t *jobTx) NextBatchIndex(stepIndex int) (int, error) {
	query := badgerhold.Where("JobID").Eq(t.job.ID).And("StepIndex").Eq(stepIndex)
	count, err := t.m.db.Store().TxCount(t.txn, &models.Batch{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	return int(count), nil
}

func (t *jobTx) MaxSortIndex(serviceID string) (int, error) {
	var items []models.WorkItem
	query := badgerhold.Where("JobID").Eq(t.job.ID).
		And("ServiceID").Eq(serviceID).
		SortBy("SortIndex").Reverse().Limit(1)
	if err := t.m.db.Store().TxFind(t.txn, &items, query); err != nil {
		return 0, fmt.Errorf("failed to find max sort index: %w", err)
	}
	if len(items) == 0 {
		return -1, nil
	}
	return items[0].SortIndex, nil
}

func (t *jobTx) OnCommit(fn func()) {
	*t.hooks = append(*t.hooks, fn)
}
