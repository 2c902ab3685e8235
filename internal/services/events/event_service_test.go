package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
)

func TestPublishSyncDeliversToAllSubscribers(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	ctx := context.Background()

	var calls int32
	handler := func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	if err := svc.Subscribe(interfaces.EventJobStatusChanged, handler); err != nil {
		t.Fatal(err)
	}
	if err := svc.Subscribe(interfaces.EventJobStatusChanged, handler); err != nil {
		t.Fatal(err)
	}

	err := svc.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Payload: "job-1",
	})
	if err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("Expected 2 handler calls, got %d", got)
	}
}

func TestPublishSyncReportsHandlerErrors(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	ctx := context.Background()

	failing := func(ctx context.Context, event interfaces.Event) error {
		return errors.New("boom")
	}
	if err := svc.Subscribe(interfaces.EventWorkItemCompleted, failing); err != nil {
		t.Fatal(err)
	}

	err := svc.PublishSync(ctx, interfaces.Event{Type: interfaces.EventWorkItemCompleted})
	if err == nil {
		t.Error("Expected PublishSync to report handler failure")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	ctx := context.Background()

	var calls int32
	handler := func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	if err := svc.Subscribe(interfaces.EventJobProgress, handler); err != nil {
		t.Fatal(err)
	}
	if err := svc.Unsubscribe(interfaces.EventJobProgress, handler); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	if err := svc.PublishSync(ctx, interfaces.Event{Type: interfaces.EventJobProgress}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("Expected no handler calls after unsubscribe, got %d", got)
	}
}
