package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"github.com/ternarybob/harmony/internal/services/registry"
)

const lifecycleChains = `
chains:
  - name: harmony/l2-subsetter
    steps:
      - serviceID: harmony/query-cmr
        operation:
          maxPageSize: 2000
      - serviceID: harmony/l2-subsetter
        operation:
          format: application/x-netcdf4
`

func newTestJobManager(t *testing.T, h *testHarness, opts Options) *JobManager {
	t.Helper()
	reg, err := registry.Parse([]byte(lifecycleChains), arbor.NewLogger())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return NewJobManager(h.store, h.queues, reg, nil, opts, arbor.NewLogger())
}

func TestCreateJobSeedsQueryStep(t *testing.T) {
	opts := defaultTestOptions()
	h := newTestHarness(t, opts)
	jm := newTestJobManager(t, h, opts)
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, &models.JobRequest{
		Username:         "jdoe",
		Request:          "C1234-PROV",
		Chain:            "harmony/l2-subsetter",
		NumInputGranules: 4500,
		IsAsync:          true,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != models.JobStatusAccepted {
		t.Errorf("expected accepted job, got %s", job.Status)
	}

	steps, err := h.store.WorkflowStepStorage().StepsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("StepsForJob failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	// 4500 granules at page size 2000 is three pages.
	if steps[0].WorkItemCount != 3 {
		t.Errorf("expected query step to expect 3 items, got %d", steps[0].WorkItemCount)
	}

	// The seeded query item is immediately claimable, and the first
	// assignment moves the job to running.
	item := claim(t, h, "harmony/query-cmr")
	if item.JobID != job.ID {
		t.Errorf("claimed item belongs to %s", item.JobID)
	}
	if got := getJob(t, h, job.ID); got.Status != models.JobStatusRunning {
		t.Errorf("expected running after first assignment, got %s", got.Status)
	}
}

func TestCreateJobUnknownChain(t *testing.T) {
	opts := defaultTestOptions()
	h := newTestHarness(t, opts)
	jm := newTestJobManager(t, h, opts)

	_, err := jm.CreateJob(context.Background(), &models.JobRequest{
		Username:         "jdoe",
		Request:          "C1234-PROV",
		Chain:            "harmony/no-such-chain",
		NumInputGranules: 10,
	})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateJobPreviewThreshold(t *testing.T) {
	opts := defaultTestOptions()
	opts.PreviewThreshold = 100
	h := newTestHarness(t, opts)
	jm := newTestJobManager(t, h, opts)
	ctx := context.Background()

	big, err := jm.CreateJob(ctx, &models.JobRequest{
		Username: "jdoe", Request: "C1-P", Chain: "harmony/l2-subsetter",
		NumInputGranules: 500, IsAsync: true,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if big.Status != models.JobStatusPreviewing {
		t.Errorf("expected previewing above the threshold, got %s", big.Status)
	}

	skipped, err := jm.CreateJob(ctx, &models.JobRequest{
		Username: "jdoe", Request: "C1-P", Chain: "harmony/l2-subsetter",
		NumInputGranules: 500, IsAsync: true, SkipPreview: true,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if skipped.Status != models.JobStatusAccepted {
		t.Errorf("skipPreview must bypass previewing, got %s", skipped.Status)
	}

	sync, err := jm.CreateJob(ctx, &models.JobRequest{
		Username: "jdoe", Request: "C1-P", Chain: "harmony/l2-subsetter",
		NumInputGranules: 500,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if sync.Status != models.JobStatusAccepted {
		t.Errorf("sync jobs never preview, got %s", sync.Status)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	opts := defaultTestOptions()
	h := newTestHarness(t, opts)
	jm := newTestJobManager(t, h, opts)
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, &models.JobRequest{
		Username: "jdoe", Request: "C1-P", Chain: "harmony/l2-subsetter",
		NumInputGranules: 10,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	paused, err := jm.PauseJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("PauseJob failed: %v", err)
	}
	if paused.Status != models.JobStatusPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}

	// Paused jobs surface no candidates.
	idle, err := h.scheduler.ClaimWork(ctx, "harmony/query-cmr")
	if err != nil {
		t.Fatalf("ClaimWork failed: %v", err)
	}
	if idle != nil {
		t.Errorf("paused job served item %d", idle.ID)
	}

	// Pausing a paused job is a no-op, not a conflict.
	if _, err := jm.PauseJob(ctx, job.ID); err != nil {
		t.Fatalf("repeated pause failed: %v", err)
	}

	resumed, err := jm.ResumeJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ResumeJob failed: %v", err)
	}
	if resumed.Status != models.JobStatusRunning {
		t.Fatalf("expected running after resume, got %s", resumed.Status)
	}

	// The ready counter was rebuilt, so the seed item is claimable again.
	if item := claim(t, h, "harmony/query-cmr"); item.JobID != job.ID {
		t.Errorf("claimed item belongs to %s", item.JobID)
	}

	// Resuming a running job conflicts.
	if _, err := jm.ResumeJob(ctx, job.ID); !errors.Is(err, models.ErrJobConflict) {
		t.Errorf("expected ErrJobConflict, got %v", err)
	}
}

func TestCancelJob(t *testing.T) {
	opts := defaultTestOptions()
	h := newTestHarness(t, opts)
	jm := newTestJobManager(t, h, opts)
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, &models.JobRequest{
		Username: "jdoe", Request: "C1-P", Chain: "harmony/l2-subsetter",
		NumInputGranules: 10,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	canceled, err := jm.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if canceled.Status != models.JobStatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}

	items, err := h.store.WorkItemStorage().ItemsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ItemsForJob failed: %v", err)
	}
	if items[0].Status != models.WorkItemStatusCanceled {
		t.Errorf("seed item not canceled: %s", items[0].Status)
	}

	// Terminal jobs cannot be canceled again, paused, or resumed.
	if _, err := jm.CancelJob(ctx, job.ID); !errors.Is(err, models.ErrJobConflict) {
		t.Errorf("expected ErrJobConflict on double cancel, got %v", err)
	}
	if _, err := jm.PauseJob(ctx, job.ID); !errors.Is(err, models.ErrJobConflict) {
		t.Errorf("expected ErrJobConflict on pausing canceled job, got %v", err)
	}
}

func TestDeleteJob(t *testing.T) {
	opts := defaultTestOptions()
	h := newTestHarness(t, opts)
	jm := newTestJobManager(t, h, opts)
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, &models.JobRequest{
		Username: "jdoe", Request: "C1-P", Chain: "harmony/l2-subsetter",
		NumInputGranules: 10,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Active jobs must be canceled before deletion.
	if err := jm.DeleteJob(ctx, job.ID); !errors.Is(err, models.ErrJobConflict) {
		t.Fatalf("expected ErrJobConflict deleting active job, got %v", err)
	}
	if _, err := jm.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	if err := jm.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := jm.GetJob(ctx, job.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected job gone, got %v", err)
	}
	items, err := h.store.WorkItemStorage().ItemsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ItemsForJob failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items after delete, got %d", len(items))
	}

	if err := jm.DeleteJob(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLifecycleUnknownJob(t *testing.T) {
	opts := defaultTestOptions()
	h := newTestHarness(t, opts)
	jm := newTestJobManager(t, h, opts)

	if _, err := jm.PauseJob(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := jm.CancelJob(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListJobsFilters(t *testing.T) {
	opts := defaultTestOptions()
	h := newTestHarness(t, opts)
	jm := newTestJobManager(t, h, opts)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		username := "jdoe"
		if i == 2 {
			username = "asmith"
		}
		if _, err := jm.CreateJob(ctx, &models.JobRequest{
			Username: username, Request: "C1-P", Chain: "harmony/l2-subsetter",
			NumInputGranules: 10,
		}); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	jobs, total, err := jm.ListJobs(ctx, &interfaces.ListOptions{Username: "jdoe"})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if total != 2 || len(jobs) != 2 {
		t.Fatalf("expected 2 jobs for jdoe, got %d (total %d)", len(jobs), total)
	}
	for _, j := range jobs {
		if j.Username != "jdoe" {
			t.Errorf("filter leaked job for %s", j.Username)
		}
	}
}
