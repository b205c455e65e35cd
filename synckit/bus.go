package synckit

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives events from the Bus.
type Handler func(SyncEvent)

// SubscriptionID identifies a Bus subscription.
type SubscriptionID uint64

type subscription struct {
	id         SubscriptionID
	entityType string
	entityID   string
	handler    Handler
	active     atomic.Bool
}

func (s *subscription) matches(e SyncEvent) bool {
	return s.entityID == "" || s.entityID == e.EntityID
}

type entityQueue struct {
	events   []SyncEvent
	draining bool
}

// Bus fans change notifications out to subscribers keyed by entity type and,
// optionally, entity id.
//
// Events for one entity are delivered in receipt order. The first publisher
// for an idle entity drains that entity's queue on its own goroutine;
// publishers arriving while a drain is running only enqueue. Handlers may
// publish from inside a callback.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string][]*subscription
	byID   map[SubscriptionID]*subscription
	queues map[EntityKey]*entityQueue
	nextID SubscriptionID
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[string][]*subscription),
		byID:   make(map[SubscriptionID]*subscription),
		queues: make(map[EntityKey]*entityQueue),
	}
}

// Subscribe registers handler for events of entityType. An empty entityID
// receives every event of the type.
func (b *Bus) Subscribe(entityType, entityID string, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscription{id: b.nextID, entityType: entityType, entityID: entityID, handler: handler}
	s.active.Store(true)
	b.subs[entityType] = append(b.subs[entityType], s)
	b.byID[s.id] = s
	return s.id
}

// Unsubscribe removes a subscription. No delivery starts for it afterwards.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.byID[id]
	if !ok {
		return
	}
	s.active.Store(false)
	delete(b.byID, id)

	list := b.subs[s.entityType]
	for i, cur := range list {
		if cur.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, s.entityType)
	} else {
		b.subs[s.entityType] = list
	}
}

// Publish enqueues e and, if no drain is running for its entity, delivers
// queued events until the entity's queue is empty.
func (b *Bus) Publish(e SyncEvent) {
	key := e.Key()

	b.mu.Lock()
	q, ok := b.queues[key]
	if !ok {
		q = &entityQueue{}
		b.queues[key] = q
	}
	q.events = append(q.events, e)
	if q.draining {
		b.mu.Unlock()
		return
	}
	q.draining = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if len(q.events) == 0 {
			q.draining = false
			delete(b.queues, key)
			b.mu.Unlock()
			return
		}
		next := q.events[0]
		q.events = q.events[1:]
		targets := b.matching(next)
		b.mu.Unlock()

		for _, s := range targets {
			b.deliver(s, next)
		}
	}
}

// SubscriberCount returns the number of live subscriptions for entityType.
func (b *Bus) SubscriberCount(entityType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[entityType])
}

func (b *Bus) matching(e SyncEvent) []*subscription {
	var out []*subscription
	for _, s := range b.subs[e.EntityType] {
		if s.matches(e) {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) deliver(s *subscription, e SyncEvent) {
	if !s.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"subscription", s.id,
				"entity", e.Key().String(),
				"panic", fmt.Sprint(r))
		}
	}()
	s.handler(e)
}
