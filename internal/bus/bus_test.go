package bus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

func newTestBus(t *testing.T) (*Bus, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bus.db"), clock.Real{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func TestPublishDeliversInOrder(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe("p1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(ctx, &models.Event{
			Type: models.EventTaskStart, ProjectID: "p1",
			Message: fmt.Sprintf("event %d", i),
		})
	}

	for i := 0; i < n; i++ {
		select {
		case e := <-sub.C:
			want := fmt.Sprintf("event %d", i)
			if e.Message != want {
				t.Fatalf("out of order: got %q want %q", e.Message, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublishScopedToProject(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe("p1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	b.Publish(ctx, &models.Event{Type: models.EventTaskStart, ProjectID: "p2", Message: "other"})
	select {
	case e := <-sub.C:
		t.Fatalf("received foreign event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberCap(t *testing.T) {
	b, _ := newTestBus(t)

	var subs []*Subscription
	for i := 0; i < DefaultMaxSubscribers; i++ {
		sub, err := b.Subscribe("p1")
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		subs = append(subs, sub)
	}
	if _, err := b.Subscribe("p1"); !errors.Is(err, models.ErrTooManySubscribers) {
		t.Errorf("expected ErrTooManySubscribers, got %v", err)
	}

	subs[0].Close()
	if _, err := b.Subscribe("p1"); err != nil {
		t.Errorf("slot should free after close: %v", err)
	}
	for _, sub := range subs[1:] {
		sub.Close()
	}
}

func TestOverflowDropsOldestAndFlags(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe("p1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	total := DefaultQueueSize + 10
	for i := 0; i < total; i++ {
		b.Publish(ctx, &models.Event{
			Type: models.EventTaskStart, ProjectID: "p1",
			Message: fmt.Sprintf("event %d", i),
		})
	}
	if !sub.Lossy() {
		t.Error("overflowed subscriber should be flagged lossy")
	}

	// The oldest events were evicted; the first delivered one is not
	// event 0.
	first := <-sub.C
	if first.Message == "event 0" {
		t.Error("event 0 should have been dropped on overflow")
	}
}

func TestCloseDropsBucket(t *testing.T) {
	b, _ := newTestBus(t)

	sub, err := b.Subscribe("p1")
	if err != nil {
		t.Fatal(err)
	}
	if b.SubscriberCount("p1") != 1 {
		t.Fatal("expected one subscriber")
	}
	sub.Close()
	sub.Close() // safe to repeat
	if b.SubscriberCount("p1") != 0 {
		t.Error("bucket should drop with its last subscriber")
	}
}

func TestPublishPersistsEvent(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()

	b.Publish(ctx, &models.Event{Type: models.EventTaskComplete, ProjectID: "p1", TaskID: "t1", Message: "done"})

	events, err := st.RecentEvents(ctx, "p1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != models.EventTaskComplete {
		t.Errorf("event not persisted: %+v", events)
	}
}
