package resilience

import (
	"context"
	"time"

	"github.com/vextir/lightning/pkg/bus"
	"github.com/vextir/lightning/pkg/storage"
	"github.com/vextir/lightning/pkg/types"
)

// ResilientStore exposes the storage contract with every call routed
// through a circuit breaker. Callers use it exactly like the wrapped
// provider.
type ResilientStore struct {
	inner   storage.Store
	breaker *Breaker
}

// NewResilientStore wraps a store with a breaker.
func NewResilientStore(inner storage.Store, breaker *Breaker) *ResilientStore {
	return &ResilientStore{inner: inner, breaker: breaker}
}

func (s *ResilientStore) EnsureContainer(ctx context.Context, name string) error {
	return s.breaker.Call(ctx, func() error {
		return s.inner.EnsureContainer(ctx, name)
	})
}

func (s *ResilientStore) Get(ctx context.Context, container, id, partitionKey string) (*storage.Document, error) {
	var doc *storage.Document
	err := s.breaker.Call(ctx, func() error {
		var err error
		doc, err = s.inner.Get(ctx, container, id, partitionKey)
		return err
	})
	return doc, err
}

func (s *ResilientStore) Create(ctx context.Context, container string, doc *storage.Document) error {
	return s.breaker.Call(ctx, func() error {
		return s.inner.Create(ctx, container, doc)
	})
}

func (s *ResilientStore) Update(ctx context.Context, container string, doc *storage.Document) error {
	return s.breaker.Call(ctx, func() error {
		return s.inner.Update(ctx, container, doc)
	})
}

func (s *ResilientStore) Delete(ctx context.Context, container, id, partitionKey string) error {
	return s.breaker.Call(ctx, func() error {
		return s.inner.Delete(ctx, container, id, partitionKey)
	})
}

func (s *ResilientStore) Query(ctx context.Context, container string, pred storage.Predicate, opts storage.QueryOptions) ([]*storage.Document, error) {
	var docs []*storage.Document
	err := s.breaker.Call(ctx, func() error {
		var err error
		docs, err = s.inner.Query(ctx, container, pred, opts)
		return err
	})
	return docs, err
}

func (s *ResilientStore) HealthCheck(ctx context.Context) storage.HealthCheckResult {
	return s.inner.HealthCheck(ctx)
}

func (s *ResilientStore) Close() error {
	return s.inner.Close()
}

// ResilientBus exposes the bus contract with the publish path routed
// through a circuit breaker. Read-side inspection (orphans, DLQ,
// history) bypasses the breaker; those are in-process stores.
type ResilientBus struct {
	inner   bus.Bus
	breaker *Breaker
}

// NewResilientBus wraps a bus with a breaker.
func NewResilientBus(inner bus.Bus, breaker *Breaker) *ResilientBus {
	return &ResilientBus{inner: inner, breaker: breaker}
}

func (b *ResilientBus) Start() error { return b.inner.Start() }

func (b *ResilientBus) Stop(ctx context.Context) error { return b.inner.Stop(ctx) }

func (b *ResilientBus) Publish(ctx context.Context, event *types.Event, topic string) error {
	return b.breaker.Call(ctx, func() error {
		return b.inner.Publish(ctx, event, topic)
	})
}

func (b *ResilientBus) PublishBatch(ctx context.Context, events []*types.Event, topic string) []error {
	var errs []error
	if err := b.breaker.Call(ctx, func() error {
		errs = b.inner.PublishBatch(ctx, events, topic)
		for _, e := range errs {
			if e != nil {
				return e
			}
		}
		return nil
	}); err != nil && errs == nil {
		// Breaker rejected the batch outright.
		errs = make([]error, len(events))
		for i := range errs {
			errs[i] = err
		}
	}
	return errs
}

func (b *ResilientBus) Subscribe(subject string, handler bus.Handler, opts ...bus.SubscribeOption) (string, error) {
	return b.inner.Subscribe(subject, handler, opts...)
}

func (b *ResilientBus) Unsubscribe(id string) error { return b.inner.Unsubscribe(id) }

func (b *ResilientBus) HasSubscribers(subject string) bool { return b.inner.HasSubscribers(subject) }

func (b *ResilientBus) SubscriberCount(subject string) int { return b.inner.SubscriberCount(subject) }

func (b *ResilientBus) OrphanedEvents(max int) []*bus.OrphanRecord {
	return b.inner.OrphanedEvents(max)
}

func (b *ResilientBus) ParkOrphan(event *types.Event, reason string) {
	b.inner.ParkOrphan(event, reason)
}

func (b *ResilientBus) DrainOrphanedEvents(eventTypes []string, before time.Time) int {
	return b.inner.DrainOrphanedEvents(eventTypes, before)
}

func (b *ResilientBus) DeadLetterEvents(max int) []*bus.DeadLetterRecord {
	return b.inner.DeadLetterEvents(max)
}

func (b *ResilientBus) ReprocessDeadLetter(id string) error {
	return b.inner.ReprocessDeadLetter(id)
}

func (b *ResilientBus) ReplayEvents(start, end time.Time, topic string, eventTypes []string) []*types.Event {
	return b.inner.ReplayEvents(start, end, topic, eventTypes)
}

func (b *ResilientBus) History(correlationID string) []*types.Event {
	return b.inner.History(correlationID)
}

func (b *ResilientBus) HealthCheck(ctx context.Context) storage.HealthCheckResult {
	return b.inner.HealthCheck(ctx)
}
