package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/ternarybob/harmony/internal/models"
	"github.com/ternarybob/harmony/internal/stac"
)

// writeCatalog stores a single-page catalog with n item links at location.
func writeCatalog(t *testing.T, h *testHarness, location string, n int) {
	t.Helper()

	cat := stac.Catalog{
		Type:        "Catalog",
		StacVersion: stac.Version,
		ID:          location,
	}
	for i := 0; i < n; i++ {
		cat.Links = append(cat.Links, stac.Link{Rel: stac.RelItem, Href: fmt.Sprintf("./item%d.json", i)})
	}
	if err := h.artifacts.PutJSON(context.Background(), location, cat); err != nil {
		t.Fatalf("failed to write catalog %s: %v", location, err)
	}
}

// createConcatJob persists a running job whose second step aggregates every
// first-step output into one work item.
func createConcatJob(t *testing.T, h *testHarness, firstCount int) *models.Job {
	t.Helper()

	job := models.NewJob("jdoe", "C1234-PROV", 10)
	job.Status = models.JobStatusRunning

	first := models.NewWorkflowStep(job.ID, 1, "harmony/l2-subsetter", `{}`)
	first.WorkItemCount = firstCount
	concat := models.NewWorkflowStep(job.ID, 2, "harmony/concise", `{}`)
	concat.HasAggregatedOutput = true

	items := make([]*models.WorkItem, 0, firstCount)
	for i := 0; i < firstCount; i++ {
		item := models.NewWorkItem(job.ID, "harmony/l2-subsetter", 1)
		item.SortIndex = i
		items = append(items, item)
	}
	if err := h.store.CreateJob(context.Background(), job, []*models.WorkflowStep{first, concat}, items); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func TestAggregationDefersUntilStepComplete(t *testing.T) {
	h := newTestHarness(t, defaultTestOptions())
	job := createConcatJob(t, h, 2)
	ctx := context.Background()

	loc0 := job.ID + "/sub0/catalog0.json"
	loc1 := job.ID + "/sub1/catalog0.json"
	writeCatalog(t, h, loc0, 1)
	writeCatalog(t, h, loc1, 2)

	first := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, successUpdate(first.ID, loc0))

	// One of two done: no aggregation item yet.
	items, err := h.store.WorkItemStorage().ItemsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ItemsForJob failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("aggregation fired early, have %d items", len(items))
	}

	second := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, successUpdate(second.ID, loc1))

	items, err = h.store.WorkItemStorage().ItemsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ItemsForJob failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected one aggregation item after step completion, have %d items", len(items))
	}
	agg := items[2]
	if agg.ServiceID != "harmony/concise" || agg.Status != models.WorkItemStatusReady {
		t.Fatalf("unexpected aggregation item: %+v", agg)
	}
	if agg.StacCatalogLocation == "" {
		t.Fatal("aggregation item has no input catalog")
	}

	// The aggregate catalog flattens all three item links in order.
	links, err := stac.NewReader(h.artifacts).ReadItemLinks(ctx, agg.StacCatalogLocation)
	if err != nil {
		t.Fatalf("ReadItemLinks failed: %v", err)
	}
	if len(links) != 3 {
		t.Errorf("expected 3 flattened item links, got %d", len(links))
	}
}

func TestAggregationDataLossFailsJob(t *testing.T) {
	h := newTestHarness(t, defaultTestOptions())
	job := createConcatJob(t, h, 1)

	// The result catalog was never written, so gathering its links fails.
	item := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, successUpdate(item.ID, job.ID+"/missing/catalog0.json"))

	got := getJob(t, h, job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("expected failed job on unreadable aggregation input, got %s", got.Status)
	}
}

func TestBatchedStepEmitsItemPerFullBatch(t *testing.T) {
	h := newTestHarness(t, defaultTestOptions())
	ctx := context.Background()

	job := models.NewJob("jdoe", "C1234-PROV", 10)
	job.Status = models.JobStatusRunning

	first := models.NewWorkflowStep(job.ID, 1, "harmony/l2-subsetter", `{}`)
	first.WorkItemCount = 1
	batched := models.NewWorkflowStep(job.ID, 2, "harmony/batchee", `{}`)
	batched.IsBatched = true
	batched.MaxBatchInputs = 2

	seed := models.NewWorkItem(job.ID, "harmony/l2-subsetter", 1)
	if err := h.store.CreateJob(ctx, job, []*models.WorkflowStep{first, batched}, []*models.WorkItem{seed}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Three output catalogs against a batch size of two: one full batch
	// sealed inline, the trailing single flushed at step completion.
	var results []string
	for i := 0; i < 3; i++ {
		loc := fmt.Sprintf("%s/sub/catalog%d.json", job.ID, i)
		writeCatalog(t, h, loc, 1)
		results = append(results, loc)
	}

	item := claim(t, h, "harmony/l2-subsetter")
	apply(t, h, successUpdate(item.ID, results...))

	items, err := h.store.WorkItemStorage().ItemsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ItemsForJob failed: %v", err)
	}
	var batchItems []*models.WorkItem
	for _, it := range items {
		if it.ServiceID == "harmony/batchee" {
			batchItems = append(batchItems, it)
		}
	}
	if len(batchItems) != 2 {
		t.Fatalf("expected 2 batch work items (full + trailing), got %d", len(batchItems))
	}

	reader := stac.NewReader(h.artifacts)
	links0, err := reader.ReadItemLinks(ctx, batchItems[0].StacCatalogLocation)
	if err != nil {
		t.Fatalf("ReadItemLinks failed: %v", err)
	}
	links1, err := reader.ReadItemLinks(ctx, batchItems[1].StacCatalogLocation)
	if err != nil {
		t.Fatalf("ReadItemLinks failed: %v", err)
	}
	if len(links0) != 2 || len(links1) != 1 {
		t.Errorf("expected batches of 2 and 1 inputs, got %d and %d", len(links0), len(links1))
	}

	step, err := h.store.WorkflowStepStorage().StepsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("StepsForJob failed: %v", err)
	}
	if step[1].WorkItemCount != 2 {
		t.Errorf("batched step expects %d items, want 2", step[1].WorkItemCount)
	}
}

func TestFanOutOrderingAfterAggregatedParent(t *testing.T) {
	h := newTestHarness(t, defaultTestOptions())
	ctx := context.Background()

	job := models.NewJob("jdoe", "C1234-PROV", 10)
	job.Status = models.JobStatusRunning

	first := models.NewWorkflowStep(job.ID, 1, "harmony/concise", `{}`)
	first.WorkItemCount = 1
	first.HasAggregatedOutput = true
	second := models.NewWorkflowStep(job.ID, 2, "harmony/reformatter", `{}`)

	seed := models.NewWorkItem(job.ID, "harmony/concise", 1)
	seed.SortIndex = 7
	if err := h.store.CreateJob(ctx, job, []*models.WorkflowStep{first, second}, []*models.WorkItem{seed}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	item := claim(t, h, "harmony/concise")
	apply(t, h, successUpdate(item.ID,
		job.ID+"/concise/catalog0.json",
		job.ID+"/concise/catalog1.json",
	))

	items, err := h.store.WorkItemStorage().ItemsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ItemsForJob failed: %v", err)
	}
	var children []*models.WorkItem
	for _, it := range items {
		if it.ServiceID == "harmony/reformatter" {
			children = append(children, it)
		}
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 fanned-out children, got %d", len(children))
	}
	// Aggregated parents take a fresh sort base past anything assigned.
	if children[0].SortIndex != 0 || children[1].SortIndex != 1 {
		t.Errorf("expected fresh sort base 0,1, got %d,%d", children[0].SortIndex, children[1].SortIndex)
	}
}
