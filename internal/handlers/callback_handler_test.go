package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/artifacts"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

type fakeJobStorage struct {
	jobs map[string]*models.Job
}

func (f *fakeJobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStorage) ListJobs(ctx context.Context, opts *interfaces.ListOptions) ([]*models.Job, error) {
	return nil, nil
}

func (f *fakeJobStorage) CountJobs(ctx context.Context, opts *interfaces.ListOptions) (int, error) {
	return 0, nil
}

var _ interfaces.JobStorage = (*fakeJobStorage)(nil)

type callbackFixture struct {
	handler *CallbackHandler
	sink    *fakeSink
	store   *artifacts.MemoryStore
	job     *models.Job
	item    *models.WorkItem
}

func newCallbackFixture(t *testing.T, async bool) *callbackFixture {
	t.Helper()

	job := models.NewJob("jdoe", "C1234-PROV", 10)
	job.Status = models.JobStatusRunning
	job.IsAsync = async

	item := models.NewWorkItem(job.ID, "harmony/l2-subsetter", 1)
	item.ID = 7

	sink := &fakeSink{}
	store := artifacts.NewMemoryStore()
	handler := NewCallbackHandler(
		sink,
		&fakeJobStorage{jobs: map[string]*models.Job{job.ID: job}},
		&fakeItemStorage{items: map[uint64]*models.WorkItem{item.ID: item}},
		store,
		arbor.NewLogger(),
	)
	return &callbackFixture{handler: handler, sink: sink, store: store, job: job, item: item}
}

func (f *callbackFixture) post(t *testing.T, query string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/jobs/"+f.job.ID+"/response?workItemID=7&"+query, body)
	f.handler.ResponseHandler(rec, req)
	return rec
}

func TestCallbackError(t *testing.T) {
	f := newCallbackFixture(t, true)

	rec := f.post(t, "error=service+exploded", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.sink.msgs) != 1 {
		t.Fatalf("expected 1 update, got %d", len(f.sink.msgs))
	}
	update := f.sink.msgs[0].Update
	if update.Status != models.WorkItemStatusFailed {
		t.Errorf("expected failed update, got %s", update.Status)
	}
	if update.Message != "service exploded" {
		t.Errorf("unexpected message %q", update.Message)
	}
	if update.MessageCategory != models.MessageCategoryCallback {
		t.Errorf("unexpected category %q", update.MessageCategory)
	}
}

func TestCallbackCanceled(t *testing.T) {
	f := newCallbackFixture(t, true)

	rec := f.post(t, "status=canceled", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := f.sink.msgs[0].Update.Status; got != models.WorkItemStatusCanceled {
		t.Errorf("expected canceled update, got %s", got)
	}
}

func TestCallbackSuccessfulStatus(t *testing.T) {
	// Sync jobs may complete through the callback.
	f := newCallbackFixture(t, false)
	rec := f.post(t, "status=successful", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for sync job, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := f.sink.msgs[0].Update.Status; got != models.WorkItemStatusSuccessful {
		t.Errorf("expected successful update, got %s", got)
	}

	// Async jobs never take status=successful.
	f = newCallbackFixture(t, true)
	rec = f.post(t, "status=successful", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for async job, got %d", rec.Code)
	}
	if len(f.sink.msgs) != 0 {
		t.Errorf("rejected callback still enqueued %d updates", len(f.sink.msgs))
	}
}

func TestCallbackRedirect(t *testing.T) {
	f := newCallbackFixture(t, true)

	rec := f.post(t, "redirect=s3://outputs/result.nc4&bbox=-180,-90,180,90&temporal=2020-01-01T00:00:00Z,2020-01-02T00:00:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	msg := f.sink.msgs[0]
	if msg.Update.Status != models.WorkItemStatusSuccessful {
		t.Errorf("expected successful update, got %s", msg.Update.Status)
	}
	pre := msg.PreprocessResult
	if pre == nil || len(pre.CatalogItems) != 1 {
		t.Fatalf("expected synthesized catalog item, got %+v", pre)
	}
	catItem := pre.CatalogItems[0]
	if catItem.Assets["data"].Href != "s3://outputs/result.nc4" {
		t.Errorf("unexpected data asset %+v", catItem.Assets["data"])
	}
	if len(catItem.BBox) != 4 || catItem.BBox[0] != -180 {
		t.Errorf("bbox not carried: %v", catItem.BBox)
	}
	if catItem.Properties.StartDatetime != "2020-01-01T00:00:00Z" {
		t.Errorf("temporal start not carried: %q", catItem.Properties.StartDatetime)
	}
}

func TestCallbackBodyStagesArtifact(t *testing.T) {
	f := newCallbackFixture(t, true)

	rec := f.post(t, "filename=result.nc4", strings.NewReader("netcdf-bytes"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	wantKey := f.item.StagingPrefix() + "result.nc4"
	body, err := f.store.Get(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("staged artifact missing at %s: %v", wantKey, err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "netcdf-bytes" {
		t.Errorf("staged content mismatch: %q", data)
	}

	pre := f.sink.msgs[0].PreprocessResult
	if pre == nil || pre.CatalogItems[0].Assets["data"].Href != wantKey {
		t.Errorf("data asset does not point at the staged file: %+v", pre)
	}
}

func TestCallbackRejectsAmbiguousForms(t *testing.T) {
	cases := []struct {
		name  string
		query string
		body  io.Reader
	}{
		{"nothing", "progress=50", nil},
		{"error and status", "error=x&status=canceled", nil},
		{"error and redirect", "error=x&redirect=s3://outputs/r.nc4", nil},
		{"bad bbox arity", "redirect=s3://outputs/r.nc4&bbox=1,2,3", nil},
		{"bad temporal", "redirect=s3://outputs/r.nc4&temporal=notadate,2020-01-01T00:00:00Z", nil},
		{"progress out of range", "error=x&progress=150", nil},
	}
	for _, tc := range cases {
		f := newCallbackFixture(t, true)
		rec := f.post(t, tc.query, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, rec.Code)
		}
		if len(f.sink.msgs) != 0 {
			t.Errorf("%s: rejected callback enqueued an update", tc.name)
		}
	}
}

func TestCallbackUnknownJobAndItem(t *testing.T) {
	f := newCallbackFixture(t, true)

	rec := httptest.NewRecorder()
	f.handler.ResponseHandler(rec, httptest.NewRequest("POST", "/jobs/missing/response?workItemID=7&error=x", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", rec.Code)
	}

	other := models.NewWorkItem("other-job", "harmony/l2-subsetter", 1)
	other.ID = 8
	f.handler.items.(*fakeItemStorage).items[8] = other
	rec = httptest.NewRecorder()
	f.handler.ResponseHandler(rec, httptest.NewRequest("POST", "/jobs/"+f.job.ID+"/response?workItemID=8&error=x", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for item of another job, got %d", rec.Code)
	}
}
