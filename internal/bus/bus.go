// Package bus is the per-project progress event fan-out. Every event
// is persisted through the store and then broadcast to live
// subscribers over bounded queues.
package bus

import (
	"context"
	"log"
	"sync"

	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

const (
	// DefaultQueueSize bounds each subscriber's pending events.
	DefaultQueueSize = 256
	// DefaultMaxSubscribers caps live subscribers per project.
	DefaultMaxSubscribers = 10
)

// Subscription is one live event stream.
type Subscription struct {
	// C yields events in publish order until Close.
	C <-chan *models.Event

	bus       *Bus
	projectID string
	ch        chan *models.Event

	mu      sync.Mutex
	closed  bool
	flagged bool
}

// Lossy reports whether events were dropped because this subscriber
// fell behind.
func (s *Subscription) Lossy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagged
}

// Close detaches the subscription and closes its channel. Pending
// events are discarded. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.bus.remove(s.projectID, s)
}

// send enqueues one event. A full queue drops its oldest entry and
// flags the subscription rather than blocking the publisher. The lock
// orders send against Close so a closed channel is never written.
func (s *Subscription) send(e *models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
		return
	default:
	}
	// Queue full: evict the oldest, retry once, and mark the stream
	// lossy either way.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- e:
	default:
	}
	s.flagged = true
}

// Bus broadcasts progress events per project.
type Bus struct {
	st *store.Store

	queueSize      int
	maxSubscribers int

	mu   sync.Mutex
	subs map[string][]*Subscription
}

// New creates a Bus with the default queue and subscriber bounds.
func New(st *store.Store) *Bus {
	return &Bus{
		st:             st,
		queueSize:      DefaultQueueSize,
		maxSubscribers: DefaultMaxSubscribers,
		subs:           make(map[string][]*Subscription),
	}
}

// Publish persists the event and enqueues it to every live subscriber
// of the event's project.
func (b *Bus) Publish(ctx context.Context, e *models.Event) {
	b.PublishOn(ctx, b.st, e)
}

// PublishOn is Publish with the persistence write issued against the
// given store handle, so a worker can fold the event row into an
// ongoing transaction. Live delivery happens immediately either way.
func (b *Bus) PublishOn(ctx context.Context, st *store.Store, e *models.Event) {
	if err := st.AppendEvent(ctx, e); err != nil {
		log.Printf("[bus] persist event %s: %v", e.Type, err)
	}

	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs[e.ProjectID]))
	copy(subs, b.subs[e.ProjectID])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.send(e)
	}
}

// Subscribe attaches a new subscriber to a project's event stream.
// Returns ErrTooManySubscribers when the per-project cap is reached.
func (b *Bus) Subscribe(projectID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs[projectID]) >= b.maxSubscribers {
		return nil, models.ErrTooManySubscribers
	}

	ch := make(chan *models.Event, b.queueSize)
	sub := &Subscription{C: ch, bus: b, projectID: projectID, ch: ch}
	b.subs[projectID] = append(b.subs[projectID], sub)
	return sub, nil
}

// SubscriberCount returns the live subscriber count for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}

// remove detaches a subscription; the project bucket is dropped with
// its last subscriber.
func (b *Bus) remove(projectID string, target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[projectID]
	for i, sub := range subs {
		if sub == target {
			b.subs[projectID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[projectID]) == 0 {
		delete(b.subs, projectID)
	}
}
