package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acp2/gateway/internal/common/logger"
	v1 "github.com/acp2/gateway/pkg/api/v1"
)

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := b.Subscribe(RunSubject("run-1"), func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent(v1.EventRunStarted, "run-1", nil)
	if err := b.Publish(ctx, RunSubject("run-1"), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != v1.EventRunStarted {
			t.Errorf("Expected event type %s, got %s", v1.EventRunStarted, e.Type)
		}
		if e.RunID != "run-1" {
			t.Errorf("Expected run id run-1, got %s", e.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe(AllRunsSubject, func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for _, runID := range []string{"run-a", "run-b"} {
		if err := b.Publish(ctx, RunSubject(runID), NewEvent(v1.EventRunStarted, runID, nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	// Does not match runs.* (two tokens after the prefix)
	if err := b.Publish(ctx, "runs.run-a.extra", NewEvent(v1.EventRunStarted, "run-a", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("Expected 2 events received, got %d", got)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("runs.run-1", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent(v1.EventRunStarted, "run-1", nil)
	if err := b.Publish(ctx, "runs.run-1", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	if err := b.Publish(ctx, "runs.run-1", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 handler call, got %d", got)
	}
}

// Events must reach subscribers in publish order: stream consumers rebuild
// message content from message.part deltas.
func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := b.Subscribe("runs.run-1", func(ctx context.Context, event *Event) error {
		seq := event.Data.(int)
		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEvents; i++ {
		if err := b.Publish(ctx, "runs.run-1", NewEvent(v1.EventMessagePart, "run-1", i)); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if len(receivedOrder) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(receivedOrder))
	}
	for i, seq := range receivedOrder {
		if seq != i {
			t.Fatalf("Ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())

	if !b.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}

	b.Close()

	if b.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	ctx := context.Background()
	if err := b.Publish(ctx, "runs.run-1", NewEvent(v1.EventRunStarted, "run-1", nil)); err == nil {
		t.Error("Expected error when publishing to closed bus")
	}
	if _, err := b.Subscribe("runs.run-1", func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("Expected error when subscribing to closed bus")
	}
}

func TestTerminalEventFor(t *testing.T) {
	cases := map[v1.RunStatus]string{
		v1.RunStatusCompleted:  v1.EventRunCompleted,
		v1.RunStatusCancelled:  v1.EventRunCancelled,
		v1.RunStatusFailed:     v1.EventRunFailed,
		v1.RunStatusInProgress: "",
	}
	for status, want := range cases {
		if got := TerminalEventFor(status); got != want {
			t.Errorf("TerminalEventFor(%s) = %q, want %q", status, got, want)
		}
	}
}
