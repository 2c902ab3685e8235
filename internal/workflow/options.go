// -----------------------------------------------------------------------
// Workflow Options - orchestration tuning knobs shared by the components
// -----------------------------------------------------------------------

package workflow

import (
	"strings"

	"github.com/ternarybob/harmony/internal/common"
)

// Options carries the orchestration knobs. Built once from configuration
// and shared read-only by the scheduler, updater, planner, and reaper.
type Options struct {
	// CmrMaxPageSize is the granule page size of the query service; it sets
	// both the first step's expected item count and the self-continuation
	// budget.
	CmrMaxPageSize int

	// MaxErrorsForJob and MaxPercentErrorsForJob bound the failure policy.
	MaxErrorsForJob        int
	MaxPercentErrorsForJob int

	// WorkItemRetryLimit is how many times a failed item re-enters READY
	// before the failure is final.
	WorkItemRetryLimit int

	// AggregateCatalogPageSize is the item-link page size for aggregation
	// catalogs.
	AggregateCatalogPageSize int

	// UseServiceQueues routes assigned items through QUEUED before RUNNING.
	UseServiceQueues bool

	// SchedulerBatchSize bounds how many candidate jobs one claim pass
	// probes. Zero means no bound.
	SchedulerBatchSize int

	// QueryCmrServicePattern identifies the granule query service by
	// substring match on serviceID.
	QueryCmrServicePattern string

	// PreviewThreshold is the granule count above which non-skipping jobs
	// start in PREVIEWING. Zero disables previewing.
	PreviewThreshold int
}

// OptionsFromConfig lifts the orchestration section of the configuration.
func OptionsFromConfig(cfg *common.OrchestrationConfig) Options {
	return Options{
		CmrMaxPageSize:           cfg.CmrMaxPageSize,
		MaxErrorsForJob:          cfg.MaxErrorsForJob,
		MaxPercentErrorsForJob:   cfg.MaxPercentErrorsForJob,
		WorkItemRetryLimit:       cfg.WorkItemRetryLimit,
		AggregateCatalogPageSize: cfg.AggregateCatalogPageSize,
		UseServiceQueues:         cfg.UseServiceQueues,
		SchedulerBatchSize:       cfg.SchedulerBatchSize,
		QueryCmrServicePattern:   cfg.QueryCmrServicePattern,
		PreviewThreshold:         cfg.PreviewThreshold,
	}
}

// IsQueryCmrService reports whether serviceID is the granule query service.
func (o Options) IsQueryCmrService(serviceID string) bool {
	if o.QueryCmrServicePattern == "" {
		return false
	}
	return strings.Contains(serviceID, o.QueryCmrServicePattern)
}

// QueryCmrStepItemCount is the expected item count of the query step for a
// granule total: ceil(numInputGranules / cmrMaxPageSize), minimum one.
func (o Options) QueryCmrStepItemCount(numInputGranules int) int {
	if o.CmrMaxPageSize <= 0 {
		return 1
	}
	n := (numInputGranules + o.CmrMaxPageSize - 1) / o.CmrMaxPageSize
	if n < 1 {
		n = 1
	}
	return n
}

// QueryCmrLimit is the granule budget for the next query invocation:
// max(0, min(cmrMaxPageSize, numInputGranules - successful*cmrMaxPageSize)).
func (o Options) QueryCmrLimit(numInputGranules, successfulItems int) int {
	remaining := numInputGranules - successfulItems*o.CmrMaxPageSize
	if remaining <= 0 {
		return 0
	}
	if remaining > o.CmrMaxPageSize {
		return o.CmrMaxPageSize
	}
	return remaining
}
