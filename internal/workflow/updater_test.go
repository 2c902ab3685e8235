package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/artifacts"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/ternarybob/harmony/internal/queue"
	"github.com/ternarybob/harmony/internal/stac"
	badgerstorage "github.com/ternarybob/harmony/internal/storage/badger"
)

type testHarness struct {
	store     *badgerstorage.Manager
	queues    interfaces.QueueManager
	artifacts artifacts.Store
	updater   *Updater
	scheduler *Scheduler
}

func defaultTestOptions() Options {
	return Options{
		CmrMaxPageSize:           2000,
		MaxErrorsForJob:          10,
		MaxPercentErrorsForJob:   0,
		WorkItemRetryLimit:       1,
		AggregateCatalogPageSize: 2000,
		QueryCmrServicePattern:   "query-cmr",
	}
}

func newTestHarness(t *testing.T, opts Options) *testHarness {
	t.Helper()

	logger := arbor.NewLogger()
	store, err := badgerstorage.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queues := queue.NewMemoryManager()
	artifactStore := artifacts.NewMemoryStore()
	store.SetItemsCreatedListener(func(serviceID string, count int) {
		_ = queues.WakeUps().Wake(context.Background(), serviceID)
	})

	return &testHarness{
		store:     store,
		queues:    queues,
		artifacts: artifactStore,
		updater:   NewUpdater(store, queues, artifactStore, nil, opts, logger),
		scheduler: NewScheduler(store, queues, opts, logger),
	}
}

// createTwoStepJob persists a running job with a query step and a subsetter
// step plus the seeded query item, mirroring what intake produces.
func createTwoStepJob(t *testing.T, h *testHarness, granules int) *models.Job {
	t.Helper()

	job := models.NewJob("jdoe", "C1234-PROV", granules)
	job.Status = models.JobStatusRunning

	query := models.NewWorkflowStep(job.ID, 1, "harmony/query-cmr", `{"maxPageSize":2000}`)
	query.WorkItemCount = defaultTestOptions().QueryCmrStepItemCount(granules)
	subset := models.NewWorkflowStep(job.ID, 2, "harmony/l2-subsetter", `{"format":"application/x-netcdf4"}`)

	seed := models.NewWorkItem(job.ID, "harmony/query-cmr", 1)
	if err := h.store.CreateJob(context.Background(), job, []*models.WorkflowStep{query, subset}, []*models.WorkItem{seed}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

// createSingleStepJob persists a running job with one non-query step and n
// seeded ready items.
func createSingleStepJob(t *testing.T, h *testHarness, serviceID string, n, granules int) *models.Job {
	t.Helper()

	job := models.NewJob("jdoe", "C1234-PROV", granules)
	job.Status = models.JobStatusRunning

	step := models.NewWorkflowStep(job.ID, 1, serviceID, `{}`)
	step.WorkItemCount = n

	items := make([]*models.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		item := models.NewWorkItem(job.ID, serviceID, 1)
		item.SortIndex = i
		items = append(items, item)
	}
	if err := h.store.CreateJob(context.Background(), job, []*models.WorkflowStep{step}, items); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func claim(t *testing.T, h *testHarness, serviceID string) *models.WorkItem {
	t.Helper()
	item, err := h.scheduler.ClaimWork(context.Background(), serviceID)
	if err != nil {
		t.Fatalf("ClaimWork failed: %v", err)
	}
	if item == nil {
		t.Fatalf("expected ready work for %s", serviceID)
	}
	return item
}

func apply(t *testing.T, h *testHarness, msg *models.UpdateMessage) {
	t.Helper()
	if err := h.updater.Apply(context.Background(), msg); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
}

func getJob(t *testing.T, h *testHarness, jobID string) *models.Job {
	t.Helper()
	job, err := h.store.JobStorage().GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	return job
}

func getItem(t *testing.T, h *testHarness, id uint64) *models.WorkItem {
	t.Helper()
	item, err := h.store.WorkItemStorage().GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorkItem failed: %v", err)
	}
	return item
}

func successUpdate(itemID uint64, results ...string) *models.UpdateMessage {
	return &models.UpdateMessage{Update: models.WorkItemUpdate{
		WorkItemID: itemID,
		Status:     models.WorkItemStatusSuccessful,
		Results:    results,
	}}
}

func failureUpdate(itemID uint64, message string) *models.UpdateMessage {
	return &models.UpdateMessage{Update: models.WorkItemUpdate{
		WorkItemID: itemID,
		Status:     models.WorkItemStatusFailed,
		Message:    message,
	}}
}

func TestTwoStepHappyPath(t *testing.T) {
	h := newTestHarness(t, defaultTestOptions())
	job := createTwoStepJob(t, h, 120)

	// Query step runs and fans one catalog out to the subsetter.
	queryItem := claim(t, h, "harmony/query-cmr")
	hits := 120
	msg := successUpdate(queryItem.ID, "s3://artifacts/"+job.ID+"/query/catalog0.json")
	msg.Update.Hits = &hits
	apply(t, h, msg)

	got := getJob(t, h, job.ID)
	if got.IsTerminal() {
		t.Fatalf("job finished before the subsetter ran: %s", got.Status)
	}
	if got.Progress != 50 {
		t.Errorf("expected progress 50 after the query step, got %d", got.Progress)
	}

	// The subsetter item carries the step operation with its staging prefix.
	subItem := claim(t, h, "harmony/l2-subsetter")
	if subItem.StacCatalogLocation == "" {
		t.Error("fanned-out item is missing its input catalog location")
	}
	if subItem.Operation == "" {
		t.Error("claimed item is missing its operation document")
	}

	apply(t, h, &models.UpdateMessage{
		Update: models.WorkItemUpdate{
			WorkItemID: subItem.ID,
			Status:     models.WorkItemStatusSuccessful,
			Results:    []string{"s3://artifacts/" + job.ID + "/sub/catalog0.json"},
		},
		PreprocessResult: dataItemResult("s3://outputs/granule1_subsetted.nc4"),
	})

	got = getJob(t, h, job.ID)
	if got.Status != models.JobStatusSuccessful {
		t.Fatalf("expected successful job, got %s (%q)", got.Status, got.Message())
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}

	links, err := h.store.LinkStorage().LinksForJob(context.Background(), job.ID, models.LinkRelData, 10, 0)
	if err != nil {
		t.Fatalf("LinksForJob failed: %v", err)
	}
	if len(links) != 1 || links[0].Href != "s3://outputs/granule1_subsetted.nc4" {
		t.Errorf("expected one data link to the output granule, got %+v", links)
	}
}

func TestFailedItemRetriesThenFails(t *testing.T) {
	opts := defaultTestOptions()
	opts.WorkItemRetryLimit = 1
	h := newTestHarness(t, opts)
	job := createSingleStepJob(t, h, "harmony/l2-subsetter", 1, 10)

	item := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, failureUpdate(item.ID, "transient badness"))

	// First failure requeues.
	requeued := getItem(t, h, item.ID)
	if requeued.Status != models.WorkItemStatusReady {
		t.Fatalf("expected item back in ready, got %s", requeued.Status)
	}
	if requeued.RetryCount != 1 {
		t.Errorf("expected retryCount=1, got %d", requeued.RetryCount)
	}
	if requeued.StartedAt != nil {
		t.Error("retry did not clear the start time")
	}

	// Second failure is final.
	item = claim(t, h, "harmony/l2-subsetter")
	apply(t, h, failureUpdate(item.ID, "permanent badness"))

	final := getItem(t, h, item.ID)
	if final.Status != models.WorkItemStatusFailed {
		t.Fatalf("expected failed item, got %s", final.Status)
	}

	got := getJob(t, h, job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
	if got.Message() != "permanent badness" {
		t.Errorf("single error should be the final message verbatim, got %q", got.Message())
	}
}

func TestSuccessWithoutOutputsBecomesFailure(t *testing.T) {
	opts := defaultTestOptions()
	opts.WorkItemRetryLimit = 0
	h := newTestHarness(t, opts)
	job := createSingleStepJob(t, h, "harmony/l2-subsetter", 1, 10)

	item := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, successUpdate(item.ID)) // no results

	final := getItem(t, h, item.ID)
	if final.Status != models.WorkItemStatusFailed {
		t.Fatalf("expected rewrite to failed, got %s", final.Status)
	}
	if final.Message != noOutputsMessage {
		t.Errorf("expected %q, got %q", noOutputsMessage, final.Message)
	}
	if got := getJob(t, h, job.ID); got.Status != models.JobStatusFailed {
		t.Errorf("expected failed job, got %s", got.Status)
	}
}

func TestProgressHeartbeatFlipsQueuedToRunning(t *testing.T) {
	opts := defaultTestOptions()
	opts.UseServiceQueues = true
	h := newTestHarness(t, opts)
	createSingleStepJob(t, h, "harmony/l2-subsetter", 1, 10)

	item := claim(t, h, "harmony/l2-subsetter")
	if item.Status != models.WorkItemStatusQueued {
		t.Fatalf("expected queued assignment with service queues on, got %s", item.Status)
	}

	apply(t, h, &models.UpdateMessage{Update: models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusRunning,
	}})
	if got := getItem(t, h, item.ID); got.Status != models.WorkItemStatusRunning {
		t.Errorf("expected running after heartbeat, got %s", got.Status)
	}
}

func TestCallbackOutputsWithoutResultList(t *testing.T) {
	h := newTestHarness(t, defaultTestOptions())
	job := createSingleStepJob(t, h, "harmony/l2-subsetter", 1, 10)

	item := claim(t, h, "harmony/l2-subsetter")

	// Callback ingress reports outputs as preprocessed catalog items and
	// leaves the result list empty.
	apply(t, h, &models.UpdateMessage{
		Update: models.WorkItemUpdate{
			WorkItemID: item.ID,
			Status:     models.WorkItemStatusSuccessful,
		},
		PreprocessResult: &models.PreprocessResult{
			Status: models.WorkItemStatusSuccessful,
			CatalogItems: []stac.Item{{
				Type:        "Feature",
				StacVersion: stac.Version,
				ID:          "granule-1",
				Assets: map[string]stac.Asset{
					"data": {Href: "https://example.com/outputs/granule-1.nc4", Roles: []string{stac.RoleData}},
				},
			}},
		},
	})

	got := getItem(t, h, item.ID)
	if got.Status != models.WorkItemStatusSuccessful {
		t.Fatalf("expected successful item, got %s with message %q", got.Status, got.Message)
	}
	links, err := h.store.LinkStorage().LinksForJob(context.Background(), job.ID, models.LinkRelData, 10, 0)
	if err != nil {
		t.Fatalf("LinksForJob failed: %v", err)
	}
	if len(links) != 1 || links[0].Href != "https://example.com/outputs/granule-1.nc4" {
		t.Fatalf("expected one data link for the callback output, got %d", len(links))
	}
	if gotJob := getJob(t, h, job.ID); gotJob.Status != models.JobStatusSuccessful {
		t.Errorf("expected successful job, got %s", gotJob.Status)
	}
}

func TestQueryContinuationUntilBudgetSpent(t *testing.T) {
	opts := defaultTestOptions()
	opts.CmrMaxPageSize = 2
	h := newTestHarness(t, opts)

	job := models.NewJob("jdoe", "C1234-PROV", 5)
	job.Status = models.JobStatusRunning
	query := models.NewWorkflowStep(job.ID, 1, "harmony/query-cmr", `{}`)
	query.WorkItemCount = opts.QueryCmrStepItemCount(5) // 3 pages
	seed := models.NewWorkItem(job.ID, "harmony/query-cmr", 1)
	if err := h.store.CreateJob(context.Background(), job, []*models.WorkflowStep{query}, []*models.WorkItem{seed}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Three pages cover five granules; each success spawns the next page
	// until the budget hits zero.
	for page := 0; page < 3; page++ {
		item := claim(t, h, "harmony/query-cmr")
		msg := successUpdate(item.ID, fmt.Sprintf("s3://artifacts/%s/query/catalog%d.json", job.ID, page))
		msg.Update.ScrollID = fmt.Sprintf("scroll-%d", page+1)
		apply(t, h, msg)
	}

	items, err := h.store.WorkItemStorage().ItemsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ItemsForJob failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected exactly 3 query items for 5 granules at page size 2, got %d", len(items))
	}
	for _, item := range items {
		if item.Status != models.WorkItemStatusSuccessful {
			t.Errorf("item %d not successful: %s", item.ID, item.Status)
		}
	}

	// Continuations inherit the parent's scroll cursor.
	if items[1].ScrollID != "scroll-1" || items[2].ScrollID != "scroll-2" {
		t.Errorf("scroll cursors not inherited: %q %q", items[1].ScrollID, items[2].ScrollID)
	}
	// Each parent keeps the cursor it queried with.
	if items[0].ScrollID != "" {
		t.Errorf("seed cursor rewritten to %q", items[0].ScrollID)
	}
}

func TestHitsShrinkGranuleCountAndQueryStep(t *testing.T) {
	opts := defaultTestOptions()
	opts.CmrMaxPageSize = 2
	h := newTestHarness(t, opts)

	job := models.NewJob("jdoe", "C1234-PROV", 10)
	job.Status = models.JobStatusRunning
	query := models.NewWorkflowStep(job.ID, 1, "harmony/query-cmr", `{}`)
	query.WorkItemCount = opts.QueryCmrStepItemCount(10) // 5 pages expected
	seed := models.NewWorkItem(job.ID, "harmony/query-cmr", 1)
	if err := h.store.CreateJob(context.Background(), job, []*models.WorkflowStep{query}, []*models.WorkItem{seed}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	item := claim(t, h, "harmony/query-cmr")
	hits := 2
	msg := successUpdate(item.ID, "s3://artifacts/"+job.ID+"/query/catalog0.json")
	msg.Update.Hits = &hits
	apply(t, h, msg)

	got := getJob(t, h, job.ID)
	if got.NumInputGranules != 2 {
		t.Errorf("expected shrunk granule count 2, got %d", got.NumInputGranules)
	}
	// One page now covers everything, so the job is done.
	if got.Status != models.JobStatusSuccessful {
		t.Errorf("expected successful job after shrink, got %s", got.Status)
	}
}

func TestMaxErrorsFailsJobAndCancelsPending(t *testing.T) {
	opts := defaultTestOptions()
	opts.WorkItemRetryLimit = 0
	opts.MaxErrorsForJob = 1
	h := newTestHarness(t, opts)
	job := createSingleStepJob(t, h, "harmony/l2-subsetter", 3, 100)

	first := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, failureUpdate(first.ID, "boom one"))

	got := getJob(t, h, job.ID)
	if got.Status != models.JobStatusRunningWithErrors {
		t.Fatalf("expected running_with_errors after first failure, got %s", got.Status)
	}

	second := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, failureUpdate(second.ID, "boom two"))

	got = getJob(t, h, job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("expected failed job past the error threshold, got %s", got.Status)
	}
	if got.Message() != "Maximum error count of 1 exceeded." {
		t.Errorf("unexpected failure message %q", got.Message())
	}

	// The untouched third item was canceled with the job.
	items, err := h.store.WorkItemStorage().ItemsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ItemsForJob failed: %v", err)
	}
	canceled := 0
	for _, item := range items {
		if item.Status == models.WorkItemStatusCanceled {
			canceled++
		}
	}
	if canceled != 1 {
		t.Errorf("expected 1 canceled pending item, got %d", canceled)
	}

	// Nothing left to hand out.
	leftover, err := h.scheduler.ClaimWork(context.Background(), "harmony/l2-subsetter")
	if err != nil {
		t.Fatalf("ClaimWork failed: %v", err)
	}
	if leftover != nil {
		t.Errorf("failed job still served item %d", leftover.ID)
	}
}

func TestIgnoreErrorsKeepsJobAlive(t *testing.T) {
	opts := defaultTestOptions()
	opts.WorkItemRetryLimit = 0
	opts.MaxErrorsForJob = 1
	h := newTestHarness(t, opts)

	job := models.NewJob("jdoe", "C1234-PROV", 100)
	job.Status = models.JobStatusRunning
	job.IgnoreErrors = true
	step := models.NewWorkflowStep(job.ID, 1, "harmony/l2-subsetter", `{}`)
	step.WorkItemCount = 3
	items := []*models.WorkItem{
		models.NewWorkItem(job.ID, "harmony/l2-subsetter", 1),
		models.NewWorkItem(job.ID, "harmony/l2-subsetter", 1),
		models.NewWorkItem(job.ID, "harmony/l2-subsetter", 1),
	}
	if err := h.store.CreateJob(context.Background(), job, []*models.WorkflowStep{step}, items); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		item := claim(t, h, "harmony/l2-subsetter")
		apply(t, h, failureUpdate(item.ID, fmt.Sprintf("boom %d", i)))
	}
	got := getJob(t, h, job.ID)
	if got.IsTerminal() {
		t.Fatalf("ignore-errors job terminated early as %s", got.Status)
	}

	// A success among the failures yields complete-with-errors.
	item := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, &models.UpdateMessage{
		Update: models.WorkItemUpdate{
			WorkItemID: item.ID,
			Status:     models.WorkItemStatusSuccessful,
			Results:    []string{"s3://artifacts/" + job.ID + "/out/catalog0.json"},
		},
		PreprocessResult: dataItemResult("s3://outputs/only-survivor.nc4"),
	})

	got = getJob(t, h, job.ID)
	if got.Status != models.JobStatusCompleteWithErrors {
		t.Fatalf("expected complete_with_errors, got %s", got.Status)
	}
	if got.Message() != "The job failed with 2 errors. See the errors listing for more details." {
		t.Errorf("unexpected final message %q", got.Message())
	}
}

func TestQueryFailureFailsJobImmediately(t *testing.T) {
	opts := defaultTestOptions()
	opts.WorkItemRetryLimit = 0
	h := newTestHarness(t, opts)
	job := createTwoStepJob(t, h, 120)

	item := claim(t, h, "harmony/query-cmr")
	apply(t, h, failureUpdate(item.ID, "CMR is unreachable"))

	got := getJob(t, h, job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("expected failed job after query failure, got %s", got.Status)
	}
	if got.Message() != "CMR is unreachable" {
		t.Errorf("unexpected message %q", got.Message())
	}
}

func TestWarningNeverStopsJob(t *testing.T) {
	opts := defaultTestOptions()
	opts.WorkItemRetryLimit = 0
	h := newTestHarness(t, opts)
	job := createSingleStepJob(t, h, "harmony/l2-subsetter", 1, 10)

	item := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, &models.UpdateMessage{Update: models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusWarning,
		Message:    "no data in the requested region",
	}})

	got := getJob(t, h, job.ID)
	if got.Status != models.JobStatusSuccessful {
		t.Fatalf("expected successful job, got %s", got.Status)
	}
	if got.Message() != "no data in the requested region" {
		t.Errorf("single warning should be the final message, got %q", got.Message())
	}
}

func TestPreviewPausesAfterFirstFinalStepItem(t *testing.T) {
	h := newTestHarness(t, defaultTestOptions())

	job := models.NewJob("jdoe", "C1234-PROV", 5000)
	job.Status = models.JobStatusPreviewing
	first := models.NewWorkflowStep(job.ID, 1, "harmony/query-cmr", `{}`)
	first.WorkItemCount = 3
	last := models.NewWorkflowStep(job.ID, 2, "harmony/l2-subsetter", `{}`)
	last.WorkItemCount = 2

	seeds := []*models.WorkItem{
		models.NewWorkItem(job.ID, "harmony/l2-subsetter", 2),
		models.NewWorkItem(job.ID, "harmony/l2-subsetter", 2),
	}
	if err := h.store.CreateJob(context.Background(), job, []*models.WorkflowStep{first, last}, seeds); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	item := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, &models.UpdateMessage{
		Update: models.WorkItemUpdate{
			WorkItemID: item.ID,
			Status:     models.WorkItemStatusSuccessful,
			Results:    []string{"s3://artifacts/" + job.ID + "/out/catalog0.json"},
		},
		PreprocessResult: dataItemResult("s3://outputs/sample.nc4"),
	})

	got := getJob(t, h, job.ID)
	if got.Status != models.JobStatusPaused {
		t.Fatalf("expected preview pause, got %s", got.Status)
	}

	// Paused jobs hand out nothing.
	idle, err := h.scheduler.ClaimWork(context.Background(), "harmony/l2-subsetter")
	if err != nil {
		t.Fatalf("ClaimWork failed: %v", err)
	}
	if idle != nil {
		t.Errorf("paused job served item %d", idle.ID)
	}
}

func TestUpdatesForTerminalJobAreAbsorbed(t *testing.T) {
	opts := defaultTestOptions()
	opts.WorkItemRetryLimit = 0
	h := newTestHarness(t, opts)
	job := createSingleStepJob(t, h, "harmony/l2-subsetter", 2, 10)

	item := claim(t, h, "harmony/l2-subsetter")

	// Fail the job out from under the in-flight item.
	err := h.store.WithJobLock(context.Background(), job.ID, func(tx interfaces.JobTx) error {
		j := tx.Job()
		if _, err := tx.CancelPendingItems(); err != nil {
			return err
		}
		if err := j.Finish(models.JobStatusCanceled, "Job canceled by user."); err != nil {
			return err
		}
		return tx.SaveJob(j)
	})
	if err != nil {
		t.Fatalf("WithJobLock failed: %v", err)
	}

	apply(t, h, successUpdate(item.ID, "s3://artifacts/late/catalog.json"))

	// The late success neither revives the job nor flips the item.
	got := getJob(t, h, job.ID)
	if got.Status != models.JobStatusCanceled {
		t.Errorf("terminal job changed status to %s", got.Status)
	}
	if gotItem := getItem(t, h, item.ID); gotItem.Status != models.WorkItemStatusRunning {
		t.Errorf("absorbed update still moved the item to %s", gotItem.Status)
	}

	// Cancellation of the in-flight item does land.
	apply(t, h, &models.UpdateMessage{Update: models.WorkItemUpdate{
		WorkItemID: item.ID,
		Status:     models.WorkItemStatusCanceled,
	}})
	if gotItem := getItem(t, h, item.ID); gotItem.Status != models.WorkItemStatusCanceled {
		t.Errorf("expected canceled item, got %s", gotItem.Status)
	}
}

func TestClaimWorkBoundsCandidateProbes(t *testing.T) {
	opts := defaultTestOptions()
	opts.SchedulerBatchSize = 1
	h := newTestHarness(t, opts)

	createSingleStepJob(t, h, "harmony/l2-subsetter", 1, 10)
	createSingleStepJob(t, h, "harmony/l2-subsetter", 1, 10)

	ctx := context.Background()
	candidates, err := h.store.UserWorkStorage().CandidatesForService(ctx, "harmony/l2-subsetter")
	if err != nil {
		t.Fatalf("CandidatesForService failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidate jobs, got %d", len(candidates))
	}
	first := candidates[0].JobID

	// Hold the front candidate's lock; a one-candidate pass must come back
	// empty instead of probing the second job.
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- h.store.WithJobLock(ctx, first, func(tx interfaces.JobTx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	item, err := h.scheduler.ClaimWork(ctx, "harmony/l2-subsetter")
	if err != nil {
		t.Fatalf("ClaimWork failed: %v", err)
	}
	if item != nil {
		t.Errorf("bounded pass claimed item %d past the front candidate", item.ID)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("WithJobLock failed: %v", err)
	}

	if got := claim(t, h, "harmony/l2-subsetter"); got.JobID != first {
		t.Errorf("expected the front candidate's item, got job %s", got.JobID)
	}
}

func TestUnknownWorkItemUpdateDropped(t *testing.T) {
	h := newTestHarness(t, defaultTestOptions())
	if err := h.updater.Apply(context.Background(), successUpdate(99999, "s3://nowhere/catalog.json")); err != nil {
		t.Fatalf("expected unknown-item update to be swallowed, got %v", err)
	}
}

func TestSubmitUpdateRejectsInvalid(t *testing.T) {
	h := newTestHarness(t, defaultTestOptions())
	err := h.updater.SubmitUpdate(context.Background(), &models.UpdateMessage{Update: models.WorkItemUpdate{
		WorkItemID: 1,
		Status:     models.WorkItemStatus("bogus"),
	}})
	if err == nil {
		t.Fatal("expected validation error for unknown status")
	}
}

func TestComputeProgress(t *testing.T) {
	steps := []*models.WorkflowStep{
		{WorkItemCount: 2, CompletedWorkItemCount: 2, IsComplete: true},
		{WorkItemCount: 4, CompletedWorkItemCount: 1},
	}
	if got := computeProgress(steps); got != 62 {
		t.Errorf("expected floor(100*(1+0.25)/2)=62, got %d", got)
	}
	if got := computeProgress(nil); got != 0 {
		t.Errorf("expected 0 for no steps, got %d", got)
	}
}

func TestQueryCmrBudgetMath(t *testing.T) {
	opts := Options{CmrMaxPageSize: 2000, QueryCmrServicePattern: "query-cmr"}

	if got := opts.QueryCmrStepItemCount(0); got != 1 {
		t.Errorf("zero granules still needs one page, got %d", got)
	}
	if got := opts.QueryCmrStepItemCount(4001); got != 3 {
		t.Errorf("expected 3 pages for 4001 granules, got %d", got)
	}
	if got := opts.QueryCmrLimit(4001, 2); got != 1 {
		t.Errorf("expected trailing budget 1, got %d", got)
	}
	if got := opts.QueryCmrLimit(4001, 3); got != 0 {
		t.Errorf("expected spent budget, got %d", got)
	}
	if !opts.IsQueryCmrService("harmony/query-cmr") || opts.IsQueryCmrService("harmony/l2-subsetter") {
		t.Error("query service pattern match is wrong")
	}
}

// dataItemResult builds the preprocess result a successful last-step item
// carries: one catalog item with a single data asset.
func dataItemResult(href string) *models.PreprocessResult {
	return &models.PreprocessResult{
		Status: models.WorkItemStatusSuccessful,
		CatalogItems: []stac.Item{
			{
				Type:        "Feature",
				StacVersion: stac.Version,
				ID:          "granule-0",
				Assets: map[string]stac.Asset{
					"data": {Href: href, Type: "application/x-netcdf4", Roles: []string{stac.RoleData}},
				},
			},
		},
	}
}
