// -----------------------------------------------------------------------
// Storage contracts for jobs, steps, work items, and their side tables
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/harmony/internal/models"
)

// ListOptions narrows and pages job listings.
type ListOptions struct {
	Username string              // Filter to a single user's jobs; empty matches all
	Statuses []models.JobStatus  // Filter by status; empty matches all
	Limit    int
	Offset   int
}

// JobStorage - read-side access to jobs outside of a job lock
type JobStorage interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *ListOptions) ([]*models.Job, error)
	CountJobs(ctx context.Context, opts *ListOptions) (int, error)
}

// WorkflowStepStorage - read-side access to workflow steps
type WorkflowStepStorage interface {
	GetStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error)
	StepsForJob(ctx context.Context, jobID string) ([]*models.WorkflowStep, error)
}

// WorkItemStorage - read-side access to work items
type WorkItemStorage interface {
	GetWorkItem(ctx context.Context, id uint64) (*models.WorkItem, error)
	ItemsForJob(ctx context.Context, jobID string) ([]*models.WorkItem, error)
	// RunningSince returns items still running whose last update is older
	// than the cutoff. The reaper uses this to synthesize failures.
	RunningSince(ctx context.Context, cutoff time.Time, limit int) ([]*models.WorkItem, error)
	// MaxSuccessfulDuration reports the longest duration among successful
	// items for a service, for adaptive timeout calculation.
	MaxSuccessfulDuration(ctx context.Context, serviceID string) (time.Duration, error)
}

// UserWorkStorage - read-side access to the scheduling index
type UserWorkStorage interface {
	GetUserWork(ctx context.Context, jobID, serviceID string) (*models.UserWork, error)
	// CandidatesForService returns rows with ready work for a service,
	// least recently served first, jobID breaking ties.
	CandidatesForService(ctx context.Context, serviceID string) ([]*models.UserWork, error)
	// RowsForTerminalJobs returns user_work rows whose jobs have reached a
	// terminal status, for the janitor sweep.
	RowsForTerminalJobs(ctx context.Context, limit int) ([]*models.UserWork, error)
	// DeleteOrphanedRows removes a job's user_work rows directly, for rows
	// whose job row no longer exists. Live jobs clean up under the job lock.
	DeleteOrphanedRows(ctx context.Context, jobID string) error
}

// LinkStorage - read-side access to job result links
type LinkStorage interface {
	LinksForJob(ctx context.Context, jobID string, rel string, limit, offset int) ([]*models.JobLink, error)
	CountLinks(ctx context.Context, jobID string, rel string) (int, error)
}

// MessageStorage - read-side access to job messages
type MessageStorage interface {
	MessagesForJob(ctx context.Context, jobID string) ([]*models.JobMessage, error)
	CountMessages(ctx context.Context, jobID string, level models.MessageLevel) (int, error)
}

// JobTx exposes the state mutations available while a job lock is held.
// Every method reads and writes within one transaction; nothing is visible
// to other readers until WithJobLock commits.
type JobTx interface {
	// Job operations
	Job() *models.Job
	SaveJob(job *models.Job) error

	// Step operations
	GetStep(stepIndex int) (*models.WorkflowStep, error)
	SaveStep(step *models.WorkflowStep) error
	Steps() ([]*models.WorkflowStep, error)

	// Work item operations
	GetWorkItem(id uint64) (*models.WorkItem, error)
	SaveWorkItem(item *models.WorkItem) error
	// InsertWorkItems assigns identifiers, persists the items, raises the
	// ready counters they imply, and schedules created events and service
	// wake-ups for after commit.
	InsertWorkItems(items []*models.WorkItem) error
	// ClaimReadyItem moves the oldest ready item for a service to the given
	// status and transfers the counters. Returns nil when nothing is ready.
	ClaimReadyItem(serviceID string, to models.WorkItemStatus) (*models.WorkItem, error)
	ItemsByStatus(stepIndex int, statuses ...models.WorkItemStatus) ([]*models.WorkItem, error)
	CountItemsByStatus(stepIndex int, statuses ...models.WorkItemStatus) (int, error)
	CancelPendingItems() (int, error)

	// Counter operations
	AddReady(serviceID string, delta int) error
	AddRunning(serviceID string, delta int) error
	TouchServed(serviceID string) error
	// RecomputeReadyCount repairs counter drift from the ground truth.
	RecomputeReadyCount(serviceID string) error
	// ZeroReadyCounts zeroes every ready counter for the job so the
	// scheduler stops serving it. Resume recomputes them.
	ZeroReadyCounts() error
	DeleteUserWork() error

	// Link and message operations
	AddLink(link *models.JobLink) error
	CountDataLinks() (int, error)
	AddMessage(msg *models.JobMessage) error
	Messages() ([]*models.JobMessage, error)
	CountErrors() (int, error)

	// Batch operations
	OpenBatch(stepIndex int) (*models.Batch, error)
	SaveBatch(batch *models.Batch) error
	NextBatchIndex(stepIndex int) (int, error)

	// MaxSortIndex reports the highest sort index among a service's items.
	MaxSortIndex(serviceID string) (int, error)

	// OnCommit registers a hook that runs only if the transaction commits,
	// for queue sends and event publication.
	OnCommit(fn func())
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	WorkflowStepStorage() WorkflowStepStorage
	WorkItemStorage() WorkItemStorage
	UserWorkStorage() UserWorkStorage
	LinkStorage() LinkStorage
	MessageStorage() MessageStorage

	// WithJobLock serializes all state transitions for one job. The
	// callback's writes commit atomically; registered hooks run after.
	WithJobLock(ctx context.Context, jobID string, fn func(tx JobTx) error) error
	// TryWithJobLock is WithJobLock that gives up immediately when another
	// goroutine holds the job, for scheduler passes that skip locked jobs.
	TryWithJobLock(ctx context.Context, jobID string, fn func(tx JobTx) error) (bool, error)
	// CreateJob atomically persists a new job, its steps, its first work
	// items, and its scheduling counters.
	CreateJob(ctx context.Context, job *models.Job, steps []*models.WorkflowStep, items []*models.WorkItem) error
	// DeleteJob removes a job and everything it owns: steps, work items,
	// links, messages, user_work rows, and batches.
	DeleteJob(ctx context.Context, jobID string) error

	RunGC() error
	Close() error
}
