// -----------------------------------------------------------------------
// Job Lifecycle - create, pause, resume, cancel
// -----------------------------------------------------------------------

package workflow

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// JobManager drives the user-facing job lifecycle: intake against the chain
// registry, and the pause/resume/cancel admin operations.
type JobManager struct {
	store    interfaces.StorageManager
	queues   interfaces.QueueManager
	registry interfaces.ChainRegistry
	events   interfaces.EventService
	opts     Options
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewJobManager creates the lifecycle service.
func NewJobManager(store interfaces.StorageManager, queues interfaces.QueueManager, registry interfaces.ChainRegistry, events interfaces.EventService, opts Options, logger arbor.ILogger) *JobManager {
	return &JobManager{
		store:    store,
		queues:   queues,
		registry: registry,
		events:   events,
		opts:     opts,
		validate: validator.New(),
		logger:   logger,
	}
}

// CreateJob resolves the requested chain, persists the job with its steps,
// and seeds the first granule query work item.
func (m *JobManager) CreateJob(ctx context.Context, req *models.JobRequest) (*models.Job, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid job request: %w", err)
	}

	chain, err := m.registry.Chain(req.Chain)
	if err != nil {
		return nil, err
	}

	labels := models.NormalizeLabels(req.Labels)
	if err := models.ValidateLabels(labels); err != nil {
		return nil, err
	}

	job := models.NewJob(req.Username, req.Request, req.NumInputGranules)
	job.Labels = labels
	job.IsAsync = req.IsAsync
	job.IgnoreErrors = req.IgnoreErrors
	job.DestinationURL = req.DestinationURL

	if m.shouldPreview(req) {
		if err := job.SetStatus(models.JobStatusPreviewing, ""); err != nil {
			return nil, err
		}
	}

	steps := make([]*models.WorkflowStep, 0, len(chain.Steps))
	for i, tmpl := range chain.Steps {
		operation, err := tmpl.OperationJSON()
		if err != nil {
			return nil, err
		}
		step := models.NewWorkflowStep(job.ID, i+1, tmpl.ServiceID, operation)
		step.HasAggregatedOutput = tmpl.HasAggregatedOutput
		step.IsBatched = tmpl.IsBatched
		step.IsSequential = tmpl.IsSequential
		step.MaxBatchInputs = tmpl.MaxBatchInputs
		step.MaxBatchSizeInBytes = tmpl.MaxBatchSizeInBytes
		if i == 0 {
			// Expected page count of the query step; later steps grow as
			// results fan out.
			step.WorkItemCount = m.opts.QueryCmrStepItemCount(job.NumInputGranules)
		}
		steps = append(steps, step)
	}

	seed := models.NewWorkItem(job.ID, steps[0].ServiceID, 1)
	seed.SortIndex = 0

	if err := m.store.CreateJob(ctx, job, steps, []*models.WorkItem{seed}); err != nil {
		return nil, err
	}

	m.publish(interfaces.EventJobCreated, JobEvent{JobID: job.ID, Status: job.Status})
	m.logger.Info().
		Str("job_id", job.ID).
		Str("username", job.Username).
		Str("chain", req.Chain).
		Int("num_input_granules", job.NumInputGranules).
		Msg("Job created")
	return job, nil
}

// shouldPreview applies the preview threshold to async jobs that have not
// opted out.
func (m *JobManager) shouldPreview(req *models.JobRequest) bool {
	if !req.IsAsync || req.SkipPreview || m.opts.PreviewThreshold <= 0 {
		return false
	}
	return req.NumInputGranules > m.opts.PreviewThreshold
}

func (m *JobManager) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return m.store.JobStorage().GetJob(ctx, jobID)
}

func (m *JobManager) ListJobs(ctx context.Context, opts *interfaces.ListOptions) ([]*models.Job, int, error) {
	jobs, err := m.store.JobStorage().ListJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.store.JobStorage().CountJobs(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// PauseJob stops the scheduler from serving the job. Running items are left
// to finish; their updates still apply while paused.
func (m *JobManager) PauseJob(ctx context.Context, jobID string) (*models.Job, error) {
	return m.adminTransition(ctx, jobID, func(tx interfaces.JobTx, job *models.Job) error {
		if job.Status == models.JobStatusPaused {
			return nil
		}
		if !job.Status.IsActive() {
			return fmt.Errorf("cannot pause job in status %s: %w", job.Status, models.ErrJobConflict)
		}
		if err := job.SetStatus(models.JobStatusPaused, "Job paused."); err != nil {
			return err
		}
		if err := tx.SaveJob(job); err != nil {
			return err
		}
		return tx.ZeroReadyCounts()
	})
}

// ResumeJob returns a paused job to running, rebuilding the scheduling
// counters from the ready rows and waking every service in the chain.
func (m *JobManager) ResumeJob(ctx context.Context, jobID string) (*models.Job, error) {
	return m.adminTransition(ctx, jobID, func(tx interfaces.JobTx, job *models.Job) error {
		if job.Status != models.JobStatusPaused {
			return fmt.Errorf("cannot resume job in status %s: %w", job.Status, models.ErrJobConflict)
		}
		if err := job.SetStatus(models.JobStatusRunning, ""); err != nil {
			return err
		}
		if err := tx.SaveJob(job); err != nil {
			return err
		}

		steps, err := tx.Steps()
		if err != nil {
			return err
		}
		for _, step := range steps {
			if err := tx.RecomputeReadyCount(step.ServiceID); err != nil {
				return err
			}
			serviceID := step.ServiceID
			tx.OnCommit(func() {
				if err := m.queues.WakeUps().Wake(context.Background(), serviceID); err != nil {
					m.logger.Warn().Err(err).Str("service_id", serviceID).Msg("Failed to wake service on resume")
				}
			})
		}
		return nil
	})
}

// CancelJob ends the job as canceled: pending items canceled, scheduling
// rows removed. Canceling a finished job is a conflict.
func (m *JobManager) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	return m.adminTransition(ctx, jobID, func(tx interfaces.JobTx, job *models.Job) error {
		if job.IsTerminal() {
			return fmt.Errorf("cannot cancel job in status %s: %w", job.Status, models.ErrJobConflict)
		}
		if _, err := tx.CancelPendingItems(); err != nil {
			return err
		}
		if err := tx.DeleteUserWork(); err != nil {
			return err
		}
		if err := job.Finish(models.JobStatusCanceled, "Job canceled by user."); err != nil {
			return err
		}
		return tx.SaveJob(job)
	})
}

// DeleteJob removes a finished job and all of its records. Active or paused
// jobs must be canceled first so no worker is left holding an assignment for
// a job that no longer exists.
func (m *JobManager) DeleteJob(ctx context.Context, jobID string) error {
	job, err := m.store.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return fmt.Errorf("cannot delete job in status %s: %w", job.Status, models.ErrJobConflict)
	}
	if err := m.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	m.logger.Info().Str("job_id", jobID).Str("username", job.Username).Msg("Job deleted")
	return nil
}

// adminTransition runs fn under the job lock and publishes the resulting
// status; the returned job reflects the committed state.
func (m *JobManager) adminTransition(ctx context.Context, jobID string, fn func(tx interfaces.JobTx, job *models.Job) error) (*models.Job, error) {
	var result *models.Job
	err := m.store.WithJobLock(ctx, jobID, func(tx interfaces.JobTx) error {
		job := tx.Job()
		if err := fn(tx, job); err != nil {
			return err
		}
		snapshot := *job
		result = &snapshot
		event := JobEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress, Message: job.Message()}
		tx.OnCommit(func() { m.publish(interfaces.EventJobStatusChanged, event) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *JobManager) publish(eventType interfaces.EventType, payload JobEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(context.Background(), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

var _ interfaces.JobService = (*JobManager)(nil)
