// -----------------------------------------------------------------------
// Reaper - fails stuck work items; Janitor - sweeps stale user_work rows
// -----------------------------------------------------------------------

package workflow

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// reaperScanLimit bounds how many stuck candidates one sweep examines.
const reaperScanLimit = 1000

// Reaper periodically fails work items whose updates stopped arriving. It
// never mutates state directly: it enqueues synthetic FAILED updates so the
// normal update path (retry law included) decides what happens.
type Reaper struct {
	store  interfaces.StorageManager
	sink   interfaces.UpdateSink
	logger arbor.ILogger

	defaultTimeout time.Duration
	minTimeout     time.Duration
	maxTimeout     time.Duration
}

// NewReaper builds the reaper from the reaper configuration.
func NewReaper(store interfaces.StorageManager, sink interfaces.UpdateSink, cfg *common.ReaperConfig, logger arbor.ILogger) *Reaper {
	return &Reaper{
		store:          store,
		sink:           sink,
		logger:         logger,
		defaultTimeout: common.Duration(cfg.ItemTimeout, 30*time.Minute),
		minTimeout:     common.Duration(cfg.ItemTimeoutMin, 5*time.Minute),
		maxTimeout:     common.Duration(cfg.ItemTimeoutMax, 3*time.Hour),
	}
}

// Run performs one reaping sweep.
func (r *Reaper) Run(ctx context.Context) {
	now := time.Now().UTC()

	// Everything younger than the floor cannot be stuck for any service.
	candidates, err := r.store.WorkItemStorage().RunningSince(ctx, now.Add(-r.minTimeout), reaperScanLimit)
	if err != nil {
		r.logger.Error().Err(err).Msg("Reaper scan failed")
		return
	}
	if len(candidates) == 0 {
		return
	}

	timeouts := make(map[string]time.Duration)
	reaped := 0
	for _, item := range candidates {
		timeout, ok := timeouts[item.ServiceID]
		if !ok {
			timeout = r.serviceTimeout(ctx, item.ServiceID)
			timeouts[item.ServiceID] = timeout
		}
		if now.Sub(item.UpdatedAt) < timeout {
			continue
		}

		job, err := r.store.JobStorage().GetJob(ctx, item.JobID)
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", item.JobID).Msg("Reaper could not load job")
			continue
		}
		if job.IsTerminal() {
			// The janitor and the terminal-job update rule clean these up.
			continue
		}

		msg := &models.UpdateMessage{
			Update: models.WorkItemUpdate{
				WorkItemID:        item.ID,
				Status:            models.WorkItemStatusFailed,
				Message:           "Service did not respond within the allotted time.",
				MessageCategory:   models.MessageCategoryTimeout,
				WorkflowStepIndex: item.WorkflowStepIndex,
			},
		}
		if err := r.sink.SubmitUpdate(ctx, msg); err != nil {
			r.logger.Error().Err(err).Int64("work_item_id", int64(item.ID)).Msg("Failed to enqueue timeout failure")
			continue
		}
		reaped++
		r.logger.Warn().
			Int64("work_item_id", int64(item.ID)).
			Str("job_id", item.JobID).
			Str("service_id", item.ServiceID).
			Dur("silent_for", now.Sub(item.UpdatedAt)).
			Msg("Work item timed out")
	}

	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Int("scanned", len(candidates)).Msg("Reaper sweep complete")
	}
}

// serviceTimeout is twice the longest successful duration observed for the
// service, clamped to the configured floor and ceiling. Services with no
// history get the default.
func (r *Reaper) serviceTimeout(ctx context.Context, serviceID string) time.Duration {
	observed, err := r.store.WorkItemStorage().MaxSuccessfulDuration(ctx, serviceID)
	if err != nil || observed <= 0 {
		return r.defaultTimeout
	}
	timeout := 2 * observed
	if timeout < r.minTimeout {
		return r.minTimeout
	}
	if timeout > r.maxTimeout {
		return r.maxTimeout
	}
	return timeout
}

// janitorSweepLimit bounds how many stale rows one sweep removes.
const janitorSweepLimit = 500

// Janitor deletes user_work rows owned by finished jobs. The rows are
// normally removed when the job ends; the janitor catches the ones orphaned
// by crashes and races.
type Janitor struct {
	store  interfaces.StorageManager
	logger arbor.ILogger
}

// NewJanitor creates the sweep task.
func NewJanitor(store interfaces.StorageManager, logger arbor.ILogger) *Janitor {
	return &Janitor{store: store, logger: logger}
}

// Run performs one sweep.
func (j *Janitor) Run(ctx context.Context) {
	rows, err := j.store.UserWorkStorage().RowsForTerminalJobs(ctx, janitorSweepLimit)
	if err != nil {
		j.logger.Error().Err(err).Msg("Janitor scan failed")
		return
	}
	if len(rows) == 0 {
		return
	}

	jobs := make(map[string]bool)
	for _, row := range rows {
		jobs[row.JobID] = true
	}

	cleaned := 0
	for jobID := range jobs {
		err := j.store.WithJobLock(ctx, jobID, func(tx interfaces.JobTx) error {
			return tx.DeleteUserWork()
		})
		if err != nil {
			if isNotFound(err) {
				// Job row is gone entirely, so the lock path cannot reach
				// these rows; delete them directly.
				if derr := j.store.UserWorkStorage().DeleteOrphanedRows(ctx, jobID); derr != nil {
					j.logger.Warn().Err(derr).Str("job_id", jobID).Msg("Janitor failed to clean orphaned rows")
					continue
				}
				cleaned++
				continue
			}
			j.logger.Warn().Err(err).Str("job_id", jobID).Msg("Janitor failed to clean job")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		j.logger.Info().Int("jobs_cleaned", cleaned).Int("rows_found", len(rows)).Msg("Janitor sweep complete")
	}
}
