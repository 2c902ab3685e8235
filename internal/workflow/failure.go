// -----------------------------------------------------------------------
// Failure Policy - decides whether a failed item takes the job with it
// -----------------------------------------------------------------------

package workflow

import (
	"errors"
	"fmt"

	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// applyFailurePolicy records the item's message and decides whether the job
// continues. Returns false when the job has been failed.
func (u *Updater) applyFailurePolicy(tx interfaces.JobTx, item *models.WorkItem) (bool, error) {
	job := tx.Job()

	if item.Status == models.WorkItemStatusWarning {
		// Warnings never stop a job.
		if item.Message != "" {
			msg := models.NewJobMessage(job.ID, models.MessageLevelWarning, item.Message, item.MessageCategory)
			msg.URL = firstResult(item)
			if err := tx.AddMessage(msg); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	// Without granules nothing downstream can run.
	if u.opts.IsQueryCmrService(item.ServiceID) {
		reason := item.Message
		if reason == "" {
			reason = "Granule query failed."
		}
		if err := u.failJob(tx, reason); err != nil {
			return false, err
		}
		return false, nil
	}

	message := item.Message
	if message == "" {
		message = fmt.Sprintf("Service %s failed.", item.ServiceID)
	}
	jobMsg := models.NewJobMessage(job.ID, models.MessageLevelError, message, item.MessageCategory)
	jobMsg.URL = firstResult(item)
	if err := tx.AddMessage(jobMsg); err != nil {
		return false, err
	}

	errorCount, err := tx.CountErrors()
	if err != nil {
		return false, err
	}

	if !job.IgnoreErrors {
		if u.opts.MaxErrorsForJob > 0 && errorCount > u.opts.MaxErrorsForJob {
			reason := fmt.Sprintf("Maximum error count of %d exceeded.", u.opts.MaxErrorsForJob)
			if err := u.failJob(tx, reason); err != nil {
				return false, err
			}
			return false, nil
		}
		if u.opts.MaxPercentErrorsForJob > 0 && job.NumInputGranules > 0 {
			percent := float64(errorCount) / float64(job.NumInputGranules) * 100
			if percent > float64(u.opts.MaxPercentErrorsForJob) {
				reason := fmt.Sprintf("Maximum error rate of %d%% exceeded.", u.opts.MaxPercentErrorsForJob)
				if err := u.failJob(tx, reason); err != nil {
					return false, err
				}
				return false, nil
			}
		}
	}

	if job.Status == models.JobStatusRunning {
		if err := job.SetStatus(models.JobStatusRunningWithErrors, ""); err != nil {
			return false, err
		}
		if err := tx.SaveJob(job); err != nil {
			return false, err
		}
		event := JobEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress}
		tx.OnCommit(func() { u.publishEvent(interfaces.EventJobStatusChanged, event) })
	}
	return true, nil
}

// failJob ends the job as FAILED: pending items canceled, scheduling rows
// removed, reason recorded.
func (u *Updater) failJob(tx interfaces.JobTx, reason string) error {
	job := tx.Job()
	if job.IsTerminal() {
		return nil
	}

	if _, err := tx.CancelPendingItems(); err != nil {
		return err
	}
	if err := tx.DeleteUserWork(); err != nil {
		return err
	}
	if err := job.Finish(models.JobStatusFailed, reason); err != nil {
		if errors.Is(err, models.ErrJobConflict) {
			return nil
		}
		return err
	}
	if err := tx.SaveJob(job); err != nil {
		return err
	}

	event := JobEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress, Message: reason}
	tx.OnCommit(func() { u.publishEvent(interfaces.EventJobStatusChanged, event) })

	u.logger.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("Job failed")
	return nil
}

func firstResult(item *models.WorkItem) string {
	if len(item.Results) > 0 {
		return item.Results[0]
	}
	return ""
}
