// -----------------------------------------------------------------------
// Scheduler - hands ready work items to polling service workers
// -----------------------------------------------------------------------

package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// Scheduler assigns ready work items to services. Fairness is
// least-recently-served across the jobs that have ready work for a service;
// locked jobs are skipped rather than waited on, so concurrent callers never
// block each other and never double-assign.
type Scheduler struct {
	store  interfaces.StorageManager
	queues interfaces.QueueManager
	opts   Options
	logger arbor.ILogger
}

// NewScheduler creates a scheduler over the shared storage and queues.
func NewScheduler(store interfaces.StorageManager, queues interfaces.QueueManager, opts Options, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		store:  store,
		queues: queues,
		opts:   opts,
		logger: logger,
	}
}

// ClaimWork returns the next work item for a service with its operation
// attached, or nil when nothing is ready.
func (s *Scheduler) ClaimWork(ctx context.Context, serviceID string) (*models.WorkItem, error) {
	// Consume any pending wake-up; the scan below covers it either way.
	if _, err := s.queues.WakeUps().Take(ctx, serviceID); err != nil {
		s.logger.Warn().Err(err).Str("service_id", serviceID).Msg("Failed to consume wake-up signal")
	}

	candidates, err := s.store.UserWorkStorage().CandidatesForService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates for %s: %w", serviceID, err)
	}
	if max := s.opts.SchedulerBatchSize; max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	for _, candidate := range candidates {
		item, err := s.claimFromJob(ctx, candidate.JobID, serviceID)
		if err != nil {
			s.logger.Error().Err(err).
				Str("job_id", candidate.JobID).
				Str("service_id", serviceID).
				Msg("Failed to claim work from job")
			continue
		}
		if item != nil {
			return item, nil
		}
	}
	return nil, nil
}

// claimFromJob try-locks one job and claims its oldest ready item for the
// service. Returns nil without error when the job is locked, ineligible, or
// has no ready rows.
func (s *Scheduler) claimFromJob(ctx context.Context, jobID, serviceID string) (*models.WorkItem, error) {
	var claimed *models.WorkItem

	acquired, err := s.store.TryWithJobLock(ctx, jobID, func(tx interfaces.JobTx) error {
		job := tx.Job()

		// Terminal and paused jobs hand out nothing. Their stale user_work
		// rows are cleared elsewhere (janitor, update processor).
		if job.IsTerminal() || job.Status == models.JobStatusPaused {
			return nil
		}

		target := models.WorkItemStatusRunning
		if s.opts.UseServiceQueues {
			target = models.WorkItemStatusQueued
		}

		item, err := tx.ClaimReadyItem(serviceID, target)
		if err != nil {
			return err
		}
		if item == nil {
			// Counter said ready work exists but no row matched: repair the
			// drift so this job stops surfacing as a candidate.
			if err := tx.RecomputeReadyCount(serviceID); err != nil {
				return err
			}
			return nil
		}

		step, err := tx.GetStep(item.WorkflowStepIndex)
		if err != nil {
			return err
		}
		operation, err := attachStagingPrefix(step.Operation, item)
		if err != nil {
			return err
		}
		item.Operation = operation
		if err := tx.SaveWorkItem(item); err != nil {
			return err
		}

		if err := tx.TouchServed(serviceID); err != nil {
			return err
		}

		// First assignment moves an accepted job into running.
		if job.Status == models.JobStatusAccepted {
			if err := job.SetStatus(models.JobStatusRunning, ""); err != nil {
				return err
			}
			if err := tx.SaveJob(job); err != nil {
				return err
			}
		}

		claimed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, nil
	}
	if claimed != nil {
		s.logger.Debug().
			Str("job_id", jobID).
			Str("service_id", serviceID).
			Int64("work_item_id", int64(claimed.ID)).
			Msg("Work item assigned")
	}
	return claimed, nil
}

// attachStagingPrefix merges the per-item staging prefix into the step's
// operation document so each item writes to a unique path.
func attachStagingPrefix(operation string, item *models.WorkItem) (string, error) {
	op := map[string]interface{}{}
	if operation != "" {
		if err := json.Unmarshal([]byte(operation), &op); err != nil {
			return "", fmt.Errorf("step %d operation is not valid JSON: %w", item.WorkflowStepIndex, err)
		}
	}
	op["stagingLocation"] = item.StagingPrefix()
	if item.ScrollID != "" {
		op["scrollID"] = item.ScrollID
	}
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation: %w", err)
	}
	return string(data), nil
}

var _ interfaces.WorkDispatcher = (*Scheduler)(nil)
