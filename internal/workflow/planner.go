// -----------------------------------------------------------------------
// Next-Step Planner - fan-out, aggregation, batching, self-continuation
// -----------------------------------------------------------------------

package workflow

import (
	"context"
	"fmt"

	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/ternarybob/harmony/internal/stac"
)

// planNextWork turns one successful item's outputs into downstream work:
// a query-cmr continuation clone, fan-out items, or batch accumulation.
// Non-batched aggregation is deferred to step completion (onStepComplete).
func (u *Updater) planNextWork(ctx context.Context, tx interfaces.JobTx, item *models.WorkItem, step *models.WorkflowStep, update *models.WorkItemUpdate, pre *models.PreprocessResult) error {
	if u.opts.IsQueryCmrService(item.ServiceID) {
		if err := u.planQueryCmrContinuation(tx, item, step, update.ScrollID); err != nil {
			return err
		}
	}

	next, err := tx.GetStep(item.WorkflowStepIndex + 1)
	if err != nil {
		if isNotFound(err) {
			return nil // final step, nothing downstream
		}
		return err
	}

	switch {
	case next.IsBatched:
		return u.accumulateIntoBatches(ctx, tx, item, step, next, update, pre)
	case next.HasAggregatedOutput:
		return nil // fires on step completion
	default:
		return u.fanOut(tx, item, step, next, update.Results)
	}
}

// planQueryCmrContinuation clones the query item forward while the granule
// budget allows another page. The clone carries the scroll cursor the
// update returned; the parent keeps the cursor it queried with.
func (u *Updater) planQueryCmrContinuation(tx interfaces.JobTx, item *models.WorkItem, step *models.WorkflowStep, scrollID string) error {
	successful, err := tx.CountItemsByStatus(step.StepIndex, models.WorkItemStatusSuccessful)
	if err != nil {
		return err
	}
	limit := u.opts.QueryCmrLimit(tx.Job().NumInputGranules, successful)
	if limit <= 0 {
		return nil
	}

	clone := models.NewWorkItem(item.JobID, item.ServiceID, item.WorkflowStepIndex)
	clone.SortIndex = item.SortIndex + 1
	if scrollID == "" {
		scrollID = item.ScrollID
	}
	clone.ScrollID = scrollID
	if err := tx.InsertWorkItems([]*models.WorkItem{clone}); err != nil {
		return err
	}

	if step.WorkItemCount < step.CompletedWorkItemCount+1 {
		step.WorkItemCount = step.CompletedWorkItemCount + 1
		if err := tx.SaveStep(step); err != nil {
			return err
		}
	}

	u.logger.Debug().
		Str("job_id", item.JobID).
		Int64("work_item_id", int64(clone.ID)).
		Int("granule_budget", limit).
		Msg("Query continuation scheduled")
	return nil
}

// fanOut inserts one next-step item per result catalog. Sort order follows
// the parent so downstream batching stays stable; aggregated or sequential
// parents take a fresh base past everything already assigned.
func (u *Updater) fanOut(tx interfaces.JobTx, item *models.WorkItem, step *models.WorkflowStep, next *models.WorkflowStep, results []string) error {
	if len(results) == 0 {
		return nil
	}

	base := item.SortIndex
	if step.HasAggregatedOutput || step.IsSequential {
		maxSort, err := tx.MaxSortIndex(next.ServiceID)
		if err != nil {
			return err
		}
		base = maxSort + 1
	}

	items := make([]*models.WorkItem, 0, len(results))
	for i, result := range results {
		child := models.NewWorkItem(item.JobID, next.ServiceID, next.StepIndex)
		child.StacCatalogLocation = result
		child.SortIndex = base + i
		items = append(items, child)
	}
	if err := tx.InsertWorkItems(items); err != nil {
		return err
	}

	next.WorkItemCount += len(items)
	return tx.SaveStep(next)
}

// accumulateIntoBatches folds the item's outputs into the open batch of the
// next step, emitting one work item whenever a batch fills.
func (u *Updater) accumulateIntoBatches(ctx context.Context, tx interfaces.JobTx, item *models.WorkItem, step *models.WorkflowStep, next *models.WorkflowStep, update *models.WorkItemUpdate, pre *models.PreprocessResult) error {
	sizes := update.OutputItemSizes
	if pre != nil && len(pre.OutputItemSizes) > 0 {
		sizes = pre.OutputItemSizes
	}

	for i, result := range update.Results {
		var size int64
		if i < len(sizes) {
			size = sizes[i]
		}

		batch, err := tx.OpenBatch(next.StepIndex)
		if err != nil {
			return err
		}
		batch.Add(models.BatchEntry{Href: result, Size: size, SortIndex: item.SortIndex})
		if batch.IsFull(next.MaxBatchInputs, next.MaxBatchSizeInBytes) {
			if err := u.closeBatch(ctx, tx, batch, next); err != nil {
				return err
			}
			continue
		}
		if err := tx.SaveBatch(batch); err != nil {
			return err
		}
	}
	return nil
}

// closeBatch seals a batch and emits its single aggregation work item
// pointing at a freshly written catalog chain.
func (u *Updater) closeBatch(ctx context.Context, tx interfaces.JobTx, batch *models.Batch, next *models.WorkflowStep) error {
	batch.Closed = true
	if err := tx.SaveBatch(batch); err != nil {
		return err
	}
	if len(batch.Entries) == 0 {
		return nil
	}

	links, err := u.gatherItemLinks(ctx, entryHrefs(batch.Entries))
	if err != nil {
		return u.failJob(tx, fmt.Sprintf("Could not assemble batch inputs: %v", err))
	}

	prefix := fmt.Sprintf("%s/aggregate-batch%d-%d/outputs", batch.JobID, batch.StepIndex, batch.BatchIndex)
	location, err := stac.WriteAggregateCatalogs(ctx, u.artifacts, prefix, fmt.Sprintf("batch %d inputs", batch.BatchIndex), links, u.opts.AggregateCatalogPageSize)
	if err != nil {
		return err
	}

	maxSort, err := tx.MaxSortIndex(next.ServiceID)
	if err != nil {
		return err
	}
	agg := models.NewWorkItem(batch.JobID, next.ServiceID, next.StepIndex)
	agg.StacCatalogLocation = location
	agg.SortIndex = maxSort + 1
	if err := tx.InsertWorkItems([]*models.WorkItem{agg}); err != nil {
		return err
	}

	next.WorkItemCount++
	if err := tx.SaveStep(next); err != nil {
		return err
	}

	u.logger.Debug().
		Str("job_id", batch.JobID).
		Int("batch_index", batch.BatchIndex).
		Int("inputs", len(batch.Entries)).
		Msg("Batch sealed, aggregation item created")
	return nil
}

// onStepComplete fires the planning that waits for a whole step: non-batched
// aggregation and the flush of a trailing partial batch.
func (u *Updater) onStepComplete(ctx context.Context, tx interfaces.JobTx, item *models.WorkItem, step *models.WorkflowStep) error {
	next, err := tx.GetStep(step.StepIndex + 1)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if next.IsBatched {
		batch, err := tx.OpenBatch(next.StepIndex)
		if err != nil {
			return err
		}
		return u.closeBatch(ctx, tx, batch, next)
	}

	if next.HasAggregatedOutput {
		return u.runAggregation(ctx, tx, item, step, next)
	}
	return nil
}

// runAggregation gathers every prior-step catalog into one paged catalog
// chain and emits a single aggregation work item. Losing data between the
// step's completion count and what can be gathered fails the job.
func (u *Updater) runAggregation(ctx context.Context, tx interfaces.JobTx, item *models.WorkItem, step *models.WorkflowStep, next *models.WorkflowStep) error {
	successes, err := tx.ItemsByStatus(step.StepIndex, models.WorkItemStatusSuccessful)
	if err != nil {
		return err
	}

	var catalogs []string
	for _, s := range successes {
		catalogs = append(catalogs, s.Results...)
	}
	if len(catalogs) < step.CompletedWorkItemCount {
		return u.failJob(tx, fmt.Sprintf(
			"Aggregation gathered %d catalogs for %d completed items; data was lost.",
			len(catalogs), step.CompletedWorkItemCount))
	}

	links, err := u.gatherItemLinks(ctx, catalogs)
	if err != nil {
		return u.failJob(tx, fmt.Sprintf("Could not read aggregation inputs: %v", err))
	}

	prefix := fmt.Sprintf("%s/aggregate-%d/outputs", item.JobID, item.ID)
	location, err := stac.WriteAggregateCatalogs(ctx, u.artifacts, prefix, fmt.Sprintf("aggregation of step %d", step.StepIndex), links, u.opts.AggregateCatalogPageSize)
	if err != nil {
		return err
	}

	maxSort, err := tx.MaxSortIndex(next.ServiceID)
	if err != nil {
		return err
	}
	agg := models.NewWorkItem(item.JobID, next.ServiceID, next.StepIndex)
	agg.StacCatalogLocation = location
	agg.SortIndex = maxSort + 1
	if err := tx.InsertWorkItems([]*models.WorkItem{agg}); err != nil {
		return err
	}

	next.WorkItemCount++
	if err := tx.SaveStep(next); err != nil {
		return err
	}

	u.logger.Info().
		Str("job_id", item.JobID).
		Int("step_index", step.StepIndex).
		Int("catalogs", len(catalogs)).
		Int("item_links", len(links)).
		Msg("Aggregation item created")
	return nil
}

// gatherItemLinks pages through every catalog chain and flattens the item
// links, preserving catalog order.
func (u *Updater) gatherItemLinks(ctx context.Context, catalogs []string) ([]stac.Link, error) {
	var out []stac.Link
	for _, location := range catalogs {
		links, err := u.reader.ReadItemLinks(ctx, location)
		if err != nil {
			return nil, err
		}
		out = append(out, links...)
	}
	return out, nil
}

func entryHrefs(entries []models.BatchEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Href
	}
	return out
}
