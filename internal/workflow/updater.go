// -----------------------------------------------------------------------
// Update Processor - transactional work item state transitions
// -----------------------------------------------------------------------

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/artifacts"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/ternarybob/harmony/internal/stac"
)

// noOutputsMessage is the rewrite applied to successful updates that carry
// no results.
const noOutputsMessage = "Service did not return any outputs."

// JobEvent is the payload published on job status and progress events.
type JobEvent struct {
	JobID    string           `json:"jobID"`
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress"`
	Message  string           `json:"message,omitempty"`
}

// Updater applies work item updates under the job lock. It owns the full
// state machine of §state transitions: retry, failure policy, next-step
// planning, progress, and final status.
type Updater struct {
	store     interfaces.StorageManager
	queues    interfaces.QueueManager
	artifacts artifacts.Store
	reader    *stac.Reader
	events    interfaces.EventService
	opts      Options
	logger    arbor.ILogger
}

// NewUpdater wires the updater over the shared storage, queues, artifact
// bucket, and event bus.
func NewUpdater(store interfaces.StorageManager, queues interfaces.QueueManager, artifactStore artifacts.Store, events interfaces.EventService, opts Options, logger arbor.ILogger) *Updater {
	return &Updater{
		store:     store,
		queues:    queues,
		artifacts: artifactStore,
		reader:    stac.NewReader(artifactStore),
		events:    events,
		opts:      opts,
		logger:    logger,
	}
}

// SubmitUpdate validates an update and places it on the appropriate queue.
// Durable once this returns; processing happens asynchronously.
func (u *Updater) SubmitUpdate(ctx context.Context, msg *models.UpdateMessage) error {
	if err := msg.Update.Validate(); err != nil {
		return err
	}
	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return u.queues.UpdateQueueFor(&msg.Update).Send(ctx, payload)
}

// Apply processes one update message transactionally. Errors that cannot
// advance state (unknown item, stale update, terminal job) are logged and
// swallowed so the message can be acknowledged; the update stream is
// state-advance only.
func (u *Updater) Apply(ctx context.Context, msg *models.UpdateMessage) error {
	update := &msg.Update
	if err := update.Validate(); err != nil {
		u.logger.Warn().Err(err).Int64("work_item_id", int64(update.WorkItemID)).Msg("Dropping invalid update")
		return nil
	}

	item, err := u.store.WorkItemStorage().GetWorkItem(ctx, update.WorkItemID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			u.logger.Warn().Int64("work_item_id", int64(update.WorkItemID)).Msg("Dropping update for unknown work item")
			return nil
		}
		return err
	}

	err = u.store.WithJobLock(ctx, item.JobID, func(tx interfaces.JobTx) error {
		return u.applyLocked(ctx, tx, msg)
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrStaleUpdate) {
			u.logger.Debug().Err(err).Int64("work_item_id", int64(update.WorkItemID)).Msg("Update ignored")
			return nil
		}
		return err
	}
	return nil
}

// applyLocked is the transactional body of Apply.
func (u *Updater) applyLocked(ctx context.Context, tx interfaces.JobTx, msg *models.UpdateMessage) error {
	update := msg.Update
	job := tx.Job()

	item, err := tx.GetWorkItem(update.WorkItemID)
	if err != nil {
		return err
	}

	// Terminal items never change again.
	if item.IsTerminal() {
		u.logger.Debug().
			Int64("work_item_id", int64(item.ID)).
			Str("status", string(item.Status)).
			Msg("Ignoring update for terminal work item")
		return nil
	}

	// A terminal job absorbs everything except cancellation; stale
	// user_work rows are cleared while we are here.
	if job.IsTerminal() && update.Status != models.WorkItemStatusCanceled {
		if err := tx.DeleteUserWork(); err != nil {
			return err
		}
		u.logger.Debug().
			Str("job_id", job.ID).
			Int64("work_item_id", int64(item.ID)).
			Msg("Ignoring update for terminal job")
		return nil
	}

	status, message, category, pre := effectiveUpdate(&update, msg.PreprocessResult)

	// Plain progress heartbeat: queued items flip to running, nothing else.
	if status == models.WorkItemStatusRunning {
		if item.Status == models.WorkItemStatusQueued {
			if err := item.Transition(models.WorkItemStatusRunning); err != nil {
				return err
			}
			return tx.SaveWorkItem(item)
		}
		return nil
	}

	// Callback ingress reports outputs as preprocessed catalog items with
	// an empty Results list, so either counts as having outputs.
	hasOutputs := len(update.Results) > 0 || (pre != nil && len(pre.CatalogItems) > 0)
	if status == models.WorkItemStatusSuccessful && !hasOutputs {
		status = models.WorkItemStatusFailed
		message = noOutputsMessage
		category = models.MessageCategoryNoOutputs
	}

	// Retry path: the failure is not final yet.
	if status == models.WorkItemStatusFailed && item.RetryCount < u.opts.WorkItemRetryLimit {
		return u.retryItem(tx, item, message)
	}

	if err := u.finishItem(tx, item, status, message, category, &update); err != nil {
		return err
	}

	step, err := tx.GetStep(item.WorkflowStepIndex)
	if err != nil {
		return err
	}
	step.RecordCompletedItem()
	if err := tx.SaveStep(step); err != nil {
		return err
	}

	if update.Hits != nil {
		if err := u.applyHits(tx, job, *update.Hits); err != nil {
			return err
		}
		// The shrink may have rewritten this step's expected item count.
		if step, err = tx.GetStep(item.WorkflowStepIndex); err != nil {
			return err
		}
	}

	return u.afterCompletion(ctx, tx, item, step, &update, pre)
}

// effectiveUpdate merges the preprocess result into the incoming update.
func effectiveUpdate(update *models.WorkItemUpdate, pre *models.PreprocessResult) (models.WorkItemStatus, string, string, *models.PreprocessResult) {
	status := update.Status
	message := update.Message
	category := update.MessageCategory
	if pre != nil && pre.Status == models.WorkItemStatusFailed {
		status = models.WorkItemStatusFailed
		message = pre.Message
		category = pre.ErrorCategory
	}
	return status, message, category, pre
}

// retryItem re-queues a failed item: READY again, retry count bumped,
// counters transferred back, service woken.
func (u *Updater) retryItem(tx interfaces.JobTx, item *models.WorkItem, message string) error {
	wasAssigned := item.Status == models.WorkItemStatusRunning || item.Status == models.WorkItemStatusQueued

	if err := item.Transition(models.WorkItemStatusReady); err != nil {
		return err
	}
	item.RetryCount++
	item.StartedAt = nil
	item.Message = message
	if err := tx.SaveWorkItem(item); err != nil {
		return err
	}

	if err := tx.AddReady(item.ServiceID, 1); err != nil {
		return err
	}
	if wasAssigned {
		if err := tx.AddRunning(item.ServiceID, -1); err != nil && !errors.Is(err, models.ErrCounterUnderflow) {
			return err
		}
	}

	serviceID := item.ServiceID
	tx.OnCommit(func() {
		if err := u.queues.WakeUps().Wake(context.Background(), serviceID); err != nil {
			u.logger.Warn().Err(err).Str("service_id", serviceID).Msg("Failed to wake service after retry")
		}
	})

	u.logger.Info().
		Int64("work_item_id", int64(item.ID)).
		Int("retry_count", item.RetryCount).
		Msg("Work item requeued for retry")
	return nil
}

// finishItem moves the item to its terminal status and settles duration,
// results, and the running counter.
func (u *Updater) finishItem(tx interfaces.JobTx, item *models.WorkItem, status models.WorkItemStatus, message, category string, update *models.WorkItemUpdate) error {
	wasAssigned := item.Status == models.WorkItemStatusRunning || item.Status == models.WorkItemStatusQueued

	if err := item.Transition(status); err != nil {
		return err
	}

	// Duration is the max of what we measured and what the service says;
	// retries reset startedAt, so the service-reported value can be longer.
	measured := item.MeasuredDuration(time.Now().UTC())
	item.Duration = measured
	if update.Duration > item.Duration {
		item.Duration = update.Duration
	}

	item.Message = message
	item.MessageCategory = category
	if len(update.Results) > 0 {
		item.Results = update.Results
	}
	if len(update.OutputItemSizes) > 0 {
		item.OutputItemSizes = update.OutputItemSizes
	}
	if err := tx.SaveWorkItem(item); err != nil {
		return err
	}

	if wasAssigned {
		if err := tx.AddRunning(item.ServiceID, -1); err != nil && !errors.Is(err, models.ErrCounterUnderflow) {
			return err
		}
	}

	itemID, jobID := item.ID, item.JobID
	tx.OnCommit(func() {
		u.publishEvent(interfaces.EventWorkItemCompleted, JobEvent{JobID: jobID, Message: fmt.Sprintf("work item %d %s", itemID, status)})
	})
	return nil
}

// applyHits lowers the job's granule expectation and shrinks the query
// step's expected item count to match. Growth is ignored; the field is
// non-increasing.
func (u *Updater) applyHits(tx interfaces.JobTx, job *models.Job, hits int) error {
	if !job.LowerNumInputGranules(hits) {
		return nil
	}
	if err := tx.SaveJob(job); err != nil {
		return err
	}

	steps, err := tx.Steps()
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	first := steps[0]
	expected := u.opts.QueryCmrStepItemCount(job.NumInputGranules)
	if first.WorkItemCount != expected {
		if first.CompletedWorkItemCount > expected {
			expected = first.CompletedWorkItemCount
		}
		first.WorkItemCount = expected
		first.UpdatedAt = time.Now().UTC()
		if err := tx.SaveStep(first); err != nil {
			return err
		}
	}
	return nil
}

// afterCompletion runs the post-transition chain: link generation, failure
// policy, next-step planning, step completion, progress, and finalization.
func (u *Updater) afterCompletion(ctx context.Context, tx interfaces.JobTx, item *models.WorkItem, step *models.WorkflowStep, update *models.WorkItemUpdate, pre *models.PreprocessResult) error {
	job := tx.Job()

	switch item.Status {
	case models.WorkItemStatusSuccessful:
		if err := u.addDataLinks(tx, item, pre); err != nil {
			return err
		}
	case models.WorkItemStatusFailed, models.WorkItemStatusWarning:
		cont, err := u.applyFailurePolicy(tx, item)
		if err != nil {
			return err
		}
		if !cont {
			// Job failed; failJob already settled state and events.
			return nil
		}
	}

	if !job.IsTerminal() && item.Status == models.WorkItemStatusSuccessful {
		if err := u.planNextWork(ctx, tx, item, step, update, pre); err != nil {
			return err
		}
	}

	if err := u.settleStepCompletion(ctx, tx, item, step); err != nil {
		return err
	}

	if err := u.updateProgress(tx, job); err != nil {
		return err
	}

	if err := u.maybeFinalize(tx, job); err != nil {
		return err
	}

	return u.maybePreviewPause(tx, item, step, job)
}

// addDataLinks attaches one data link per data asset gathered from the
// item's result catalogs. Only last-step items carry catalog items.
func (u *Updater) addDataLinks(tx interfaces.JobTx, item *models.WorkItem, pre *models.PreprocessResult) error {
	if pre == nil || len(pre.CatalogItems) == 0 {
		return nil
	}
	for _, catItem := range pre.CatalogItems {
		for _, asset := range catItem.DataAssets() {
			link := models.NewJobLink(item.JobID, asset.Href, models.LinkRelData)
			link.Title = asset.Title
			link.Type = asset.Type
			if len(catItem.BBox) == 4 {
				link.BBox = catItem.BBox
			}
			if start, end, ok := catItem.TemporalRange(); ok {
				link.Temporal = &models.TemporalRange{Start: start, End: end}
			}
			if err := tx.AddLink(link); err != nil {
				return err
			}
		}
	}
	return nil
}

// settleStepCompletion marks the step complete once every expected item has
// finished and no continuation is pending, then clears the scheduling
// counter and triggers any deferred aggregation.
func (u *Updater) settleStepCompletion(ctx context.Context, tx interfaces.JobTx, item *models.WorkItem, step *models.WorkflowStep) error {
	if step.IsComplete || step.CompletedWorkItemCount < step.WorkItemCount {
		return nil
	}

	// The query step keeps growing while the granule budget allows another
	// page; it is complete only when the budget is spent.
	if u.opts.IsQueryCmrService(step.ServiceID) {
		successful, err := tx.CountItemsByStatus(step.StepIndex, models.WorkItemStatusSuccessful)
		if err != nil {
			return err
		}
		if u.opts.QueryCmrLimit(tx.Job().NumInputGranules, successful) > 0 && item.Status == models.WorkItemStatusSuccessful {
			return nil
		}
	}

	step.MarkComplete()
	if err := tx.SaveStep(step); err != nil {
		return err
	}
	if err := tx.RecomputeReadyCount(step.ServiceID); err != nil {
		return err
	}

	return u.onStepComplete(ctx, tx, item, step)
}

// updateProgress recomputes and raises the job's progress. Never decreases,
// capped at 99 until terminal.
func (u *Updater) updateProgress(tx interfaces.JobTx, job *models.Job) error {
	if job.IsTerminal() {
		return nil
	}
	steps, err := tx.Steps()
	if err != nil {
		return err
	}
	computed := computeProgress(steps)
	if computed <= job.Progress {
		return nil
	}
	job.SetProgress(computed)
	if err := tx.SaveJob(job); err != nil {
		return err
	}

	event := JobEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress}
	tx.OnCommit(func() { u.publishEvent(interfaces.EventJobProgress, event) })
	return nil
}

// computeProgress is floor(100 * mean of step fractions).
func computeProgress(steps []*models.WorkflowStep) int {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for _, step := range steps {
		sum += step.ProgressFraction()
	}
	return int(100 * sum / float64(len(steps)))
}

// maybeFinalize ends the job when every step is complete, choosing the
// terminal status from the committed error, warning, and link counts.
func (u *Updater) maybeFinalize(tx interfaces.JobTx, job *models.Job) error {
	if job.IsTerminal() {
		return nil
	}
	steps, err := tx.Steps()
	if err != nil {
		return err
	}
	for _, step := range steps {
		if !step.IsComplete {
			return nil
		}
	}

	msgs, err := tx.Messages()
	if err != nil {
		return err
	}
	dataLinks, err := tx.CountDataLinks()
	if err != nil {
		return err
	}

	var errs, warnings []*models.JobMessage
	for _, m := range msgs {
		switch m.Level {
		case models.MessageLevelError:
			errs = append(errs, m)
		case models.MessageLevelWarning:
			warnings = append(warnings, m)
		}
	}

	status := models.JobStatusSuccessful
	switch {
	case len(errs) > 0 && dataLinks > 0:
		status = models.JobStatusCompleteWithErrors
	case len(errs) > 0:
		status = models.JobStatusFailed
	}

	message := finalMessage(status, errs, warnings)
	if err := job.Finish(status, message); err != nil {
		return err
	}
	if err := tx.SaveJob(job); err != nil {
		return err
	}
	if err := tx.DeleteUserWork(); err != nil {
		return err
	}

	event := JobEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress, Message: message}
	tx.OnCommit(func() { u.publishEvent(interfaces.EventJobStatusChanged, event) })

	u.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Int("data_links", dataLinks).
		Int("errors", len(errs)).
		Msg("Job finished")
	return nil
}

// finalMessage is the user-facing summary attached at job end: the single
// error or warning verbatim, or a canned pointer at the listing endpoints.
func finalMessage(status models.JobStatus, errs, warnings []*models.JobMessage) string {
	switch {
	case len(errs) == 1:
		return errs[0].Message
	case len(errs) > 1:
		return fmt.Sprintf("The job failed with %d errors. See the errors listing for more details.", len(errs))
	case len(warnings) == 1:
		return warnings[0].Message
	case len(warnings) > 1:
		return fmt.Sprintf("The job completed with %d warnings. See the warnings listing for more details.", len(warnings))
	case status == models.JobStatusSuccessful:
		return ""
	default:
		return ""
	}
}

// maybePreviewPause pauses a previewing job once the first final-step item
// completes, so the user can inspect a sample before committing resources.
func (u *Updater) maybePreviewPause(tx interfaces.JobTx, item *models.WorkItem, step *models.WorkflowStep, job *models.Job) error {
	if job.Status != models.JobStatusPreviewing {
		return nil
	}
	steps, err := tx.Steps()
	if err != nil {
		return err
	}
	if item.WorkflowStepIndex != len(steps) || step.CompletedWorkItemCount < 1 {
		return nil
	}

	if err := job.SetStatus(models.JobStatusPaused, "Job is paused for preview. Resume to continue processing."); err != nil {
		return err
	}
	if err := tx.SaveJob(job); err != nil {
		return err
	}
	if err := tx.ZeroReadyCounts(); err != nil {
		return err
	}

	event := JobEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress}
	tx.OnCommit(func() { u.publishEvent(interfaces.EventJobStatusChanged, event) })

	u.logger.Info().Str("job_id", job.ID).Msg("Job paused after preview")
	return nil
}

func (u *Updater) publishEvent(eventType interfaces.EventType, payload JobEvent) {
	if u.events == nil {
		return
	}
	if err := u.events.Publish(context.Background(), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		u.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}

var _ interfaces.UpdateSink = (*Updater)(nil)
