package interfaces

import (
	"context"

	"github.com/ternarybob/harmony/internal/models"
)

// WorkDispatcher hands assigned work items to polling service workers.
type WorkDispatcher interface {
	// ClaimWork returns the next item for a service with its operation
	// attached, or nil when no work is ready.
	ClaimWork(ctx context.Context, serviceID string) (*models.WorkItem, error)
}

// UpdateSink accepts work item status reports and routes them onto the
// appropriate update queue. Submission is durable once it returns.
type UpdateSink interface {
	SubmitUpdate(ctx context.Context, msg *models.UpdateMessage) error
}

// JobService drives user-facing job lifecycle operations.
type JobService interface {
	CreateJob(ctx context.Context, req *models.JobRequest) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *ListOptions) ([]*models.Job, int, error)
	PauseJob(ctx context.Context, jobID string) (*models.Job, error)
	ResumeJob(ctx context.Context, jobID string) (*models.Job, error)
	CancelJob(ctx context.Context, jobID string) (*models.Job, error)
	// DeleteJob removes a finished job and all of its records. Active jobs
	// must be canceled first.
	DeleteJob(ctx context.Context, jobID string) error
}

// ChainRegistry resolves service chain definitions by name.
type ChainRegistry interface {
	Chain(name string) (*models.ServiceChain, error)
	Chains() []*models.ServiceChain
}
