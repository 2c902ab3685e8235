// -----------------------------------------------------------------------
// Update Preprocessor - out-of-lock catalog reads and size resolution
// -----------------------------------------------------------------------

package workflow

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/artifacts"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/ternarybob/harmony/internal/stac"
)

// Preprocessor performs the I/O-heavy part of update handling before the
// job lock is taken: reading result catalogs for link generation and
// resolving output sizes. Failures rewrite the update to FAILED with an
// explanatory category; they never abort processing.
type Preprocessor struct {
	store     interfaces.StorageManager
	artifacts artifacts.Store
	reader    *stac.Reader
	logger    arbor.ILogger
}

// NewPreprocessor creates a preprocessor over the read-side storage and the
// artifact bucket.
func NewPreprocessor(store interfaces.StorageManager, artifactStore artifacts.Store, logger arbor.ILogger) *Preprocessor {
	return &Preprocessor{
		store:     store,
		artifacts: artifactStore,
		reader:    stac.NewReader(artifactStore),
		logger:    logger,
	}
}

// Preprocess computes the PreprocessResult for an update. Returns nil when
// the update needs no preprocessing (non-successful statuses, no results).
func (p *Preprocessor) Preprocess(ctx context.Context, update *models.WorkItemUpdate) *models.PreprocessResult {
	if update.Status != models.WorkItemStatusSuccessful || len(update.Results) == 0 {
		return nil
	}

	item, err := p.store.WorkItemStorage().GetWorkItem(ctx, update.WorkItemID)
	if err != nil {
		// Unknown item: let the transactional pass report it.
		p.logger.Debug().Err(err).Int64("work_item_id", int64(update.WorkItemID)).Msg("Preprocess skipped, work item not found")
		return nil
	}

	steps, err := p.store.WorkflowStepStorage().StepsForJob(ctx, item.JobID)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", item.JobID).Msg("Preprocess skipped, could not load steps")
		return nil
	}
	isLastStep := item.WorkflowStepIndex == len(steps)

	result := &models.PreprocessResult{Status: models.WorkItemStatusSuccessful}

	if isLastStep {
		items, err := p.readCatalogItems(ctx, update.Results)
		if err != nil {
			p.logger.Warn().Err(err).
				Int64("work_item_id", int64(update.WorkItemID)).
				Msg("Result catalogs unreadable, rewriting update to failed")
			return &models.PreprocessResult{
				Status:        models.WorkItemStatusFailed,
				Message:       fmt.Sprintf("Could not read service results: %v", err),
				ErrorCategory: models.MessageCategoryStacRead,
			}
		}
		result.CatalogItems = items
	}

	sizes, err := p.resolveSizes(ctx, update, result.CatalogItems)
	if err != nil {
		p.logger.Warn().Err(err).
			Int64("work_item_id", int64(update.WorkItemID)).
			Msg("Output size resolution failed, rewriting update to failed")
		return &models.PreprocessResult{
			Status:        models.WorkItemStatusFailed,
			Message:       fmt.Sprintf("Could not resolve output sizes: %v", err),
			ErrorCategory: models.MessageCategorySizeLookup,
		}
	}
	result.OutputItemSizes = sizes

	return result
}

// readCatalogItems loads every item document across the result catalogs.
func (p *Preprocessor) readCatalogItems(ctx context.Context, results []string) ([]stac.Item, error) {
	var out []stac.Item
	for _, location := range results {
		items, err := p.reader.ReadItems(ctx, location)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// resolveSizes fills in output sizes the service did not report. Sizes come
// from the update when present, then from catalog asset metadata, then from
// object storage.
func (p *Preprocessor) resolveSizes(ctx context.Context, update *models.WorkItemUpdate, catalogItems []stac.Item) ([]int64, error) {
	if len(update.OutputItemSizes) >= len(update.Results) {
		allKnown := true
		for _, size := range update.OutputItemSizes {
			if size <= 0 {
				allKnown = false
				break
			}
		}
		if allKnown {
			return update.OutputItemSizes, nil
		}
	}

	sizes := make([]int64, len(update.Results))
	copy(sizes, update.OutputItemSizes)

	// Asset metadata resolved first; object storage is the fallback.
	assetSizes := make(map[string]int64)
	for _, item := range catalogItems {
		for _, asset := range item.DataAssets() {
			if asset.Size > 0 {
				assetSizes[asset.Href] = asset.Size
			}
		}
	}

	for i, href := range update.Results {
		if i < len(sizes) && sizes[i] > 0 {
			continue
		}
		if size, ok := assetSizes[href]; ok {
			sizes[i] = size
			continue
		}
		size, err := p.artifacts.Size(ctx, href)
		if err != nil {
			return nil, fmt.Errorf("size of %s: %w", href, err)
		}
		sizes[i] = size
	}
	return sizes, nil
}
