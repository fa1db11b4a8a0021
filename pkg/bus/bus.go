package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/storage"
	"github.com/vextir/lightning/pkg/types"
)

// Handler consumes a delivered event. Returning an error routes the
// event to the dead-letter store for that subscription's subject.
type Handler func(ctx context.Context, event *types.Event) error

// Subscription ties a subject pattern to a handler with an optional
// payload/metadata filter.
type Subscription struct {
	ID      string
	Subject string
	Topic   string
	Filter  map[string]string // dotted path -> expected value
	handler Handler
}

// Bus is the pub/sub contract shared by the local and Redis providers.
type Bus interface {
	Start() error
	Stop(ctx context.Context) error

	Publish(ctx context.Context, event *types.Event, topic string) error
	PublishBatch(ctx context.Context, events []*types.Event, topic string) []error
	Subscribe(subject string, handler Handler, opts ...SubscribeOption) (string, error)
	Unsubscribe(id string) error
	HasSubscribers(subject string) bool
	SubscriberCount(subject string) int

	OrphanedEvents(max int) []*OrphanRecord
	ParkOrphan(event *types.Event, reason string)
	DrainOrphanedEvents(eventTypes []string, before time.Time) int
	DeadLetterEvents(max int) []*DeadLetterRecord
	ReprocessDeadLetter(id string) error
	ReplayEvents(start, end time.Time, topic string, eventTypes []string) []*types.Event
	History(correlationID string) []*types.Event

	HealthCheck(ctx context.Context) storage.HealthCheckResult
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithTopic scopes the subscription to a logical topic namespace.
func WithTopic(topic string) SubscribeOption {
	return func(s *Subscription) { s.Topic = topic }
}

// WithFilter adds a dotted-path filter evaluated against the event
// envelope (e.g. "data.value" or "metadata.session_id").
func WithFilter(filter map[string]string) SubscribeOption {
	return func(s *Subscription) { s.Filter = filter }
}

type delivery struct {
	event *types.Event
	topic string
	subs  []*Subscription
}

// LocalBus is the in-process reference event bus: bounded delivery
// queue, worker-pool fan-out, dedup, history, orphan and dead-letter
// stores.
type LocalBus struct {
	cfg    *config.RuntimeConfig
	logger zerolog.Logger

	mu        sync.RWMutex
	literal   map[string]map[string]*Subscription // subject -> sub id -> sub
	wildcards map[string]map[string]*Subscription // pattern -> sub id -> sub
	byID      map[string]*Subscription

	queue  chan delivery
	stopCh chan struct{}
	wg     sync.WaitGroup

	stateMu sync.Mutex
	started bool
	stopped bool

	dedup   *dedupCache
	history *historyRing
	orphans *orphanStore
	dlq     *deadLetterStore
}

// NewLocalBus creates a stopped bus from configuration.
func NewLocalBus(cfg *config.RuntimeConfig) *LocalBus {
	b := &LocalBus{
		cfg:       cfg,
		logger:    log.WithComponent("event-bus"),
		literal:   make(map[string]map[string]*Subscription),
		wildcards: make(map[string]map[string]*Subscription),
		byID:      make(map[string]*Subscription),
		queue:     make(chan delivery, cfg.Bus.QueueSize),
		stopCh:    make(chan struct{}),
		orphans:   newOrphanStore(cfg.Bus.OrphanLimit),
		dlq:       newDeadLetterStore(cfg.Bus.DeadLetterLimit, cfg.DeadLetterTTL()),
	}
	if cfg.Dedup.Enabled {
		b.dedup = newDedupCache(cfg.Dedup.MaxCacheSize, cfg.DedupWindow())
	}
	if cfg.Replay.Enabled {
		b.history = newHistoryRing(cfg.Replay.MaxHistorySize,
			time.Duration(cfg.Replay.RetentionSeconds)*time.Second)
	}
	return b
}

// Start launches the delivery workers.
func (b *LocalBus) Start() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.started {
		return nil
	}
	b.started = true

	for i := 0; i < b.cfg.Bus.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.logger.Info().Int("workers", b.cfg.Bus.Workers).Msg("Event bus started")
	return nil
}

// Stop drains in-flight deliveries with a bounded wait and rejects
// further publishes.
func (b *LocalBus) Stop(ctx context.Context) error {
	b.stateMu.Lock()
	if !b.started || b.stopped {
		b.stateMu.Unlock()
		return nil
	}
	b.stopped = true
	b.stateMu.Unlock()

	close(b.stopCh)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info().Msg("Event bus stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn().Msg("Event bus stop timed out with handlers in flight")
		return ctx.Err()
	}
}

func (b *LocalBus) isStopped() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.stopped
}

// Publish accepts an event into the delivery pipeline. It returns once
// the event is queued; delivery failures are never surfaced here.
func (b *LocalBus) Publish(ctx context.Context, event *types.Event, topic string) error {
	if event == nil || event.Type == "" {
		return fmt.Errorf("publish: %w: event type required", types.ErrInvalidInput)
	}
	if b.isStopped() {
		return fmt.Errorf("publish %s: %w", event.Type, types.ErrBusUnavailable)
	}

	now := time.Now().UTC()
	if event.Expired(now) {
		metrics.EventsExpiredTotal.Inc()
		b.logger.Debug().Str("event_id", event.ID).Str("type", event.Type).
			Msg("Dropping expired event at publish")
		return fmt.Errorf("publish %s: %w", event.Type, types.ErrTTLExpired)
	}

	// Deduplicate before any delivery work; a duplicate is dropped
	// silently per the idempotency contract.
	if b.dedup != nil {
		if dup := b.dedup.seen(event.DedupKey(), now); dup {
			metrics.EventsDeduplicatedTotal.Inc()
			b.logger.Debug().Str("event_id", event.ID).Str("type", event.Type).
				Msg("Dropping duplicate event")
			return nil
		}
	}

	if b.history != nil {
		b.history.append(event, topic, now)
	}
	metrics.EventsPublishedTotal.WithLabelValues(event.Type).Inc()

	subs := b.matching(event.Type, topic)
	if len(subs) == 0 {
		b.orphans.park(event, ReasonNoSubscribers, now)
		metrics.EventsOrphanedTotal.WithLabelValues(event.Type).Inc()
		return nil
	}

	select {
	case b.queue <- delivery{event: event, topic: topic, subs: subs}:
		return nil
	default:
		return fmt.Errorf("publish %s: %w", event.Type, types.ErrBusFull)
	}
}

// PublishBatch publishes each event independently and reports failures
// by index. A nil slice means every event was accepted.
func (b *LocalBus) PublishBatch(ctx context.Context, events []*types.Event, topic string) []error {
	var errs []error
	for i, event := range events {
		if err := b.Publish(ctx, event, topic); err != nil {
			if errs == nil {
				errs = make([]error, len(events))
			}
			errs[i] = err
		}
	}
	return errs
}

// Subscribe registers a handler for a subject pattern and returns the
// subscription id.
func (b *LocalBus) Subscribe(subject string, handler Handler, opts ...SubscribeOption) (string, error) {
	if subject == "" || handler == nil {
		return "", fmt.Errorf("subscribe: %w: subject and handler required", types.ErrInvalidInput)
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Subject: subject,
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.literal
	if isWildcard(subject) {
		index = b.wildcards
	}
	if index[subject] == nil {
		index[subject] = make(map[string]*Subscription)
	}
	index[subject][sub.ID] = sub
	b.byID[sub.ID] = sub

	b.logger.Debug().Str("subject", subject).Str("subscription_id", sub.ID).Msg("Subscribed")
	return sub.ID, nil
}

// Unsubscribe removes a subscription. It is idempotent; after return
// the handler is never invoked for new deliveries.
func (b *LocalBus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)

	index := b.literal
	if isWildcard(sub.Subject) {
		index = b.wildcards
	}
	if m := index[sub.Subject]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(index, sub.Subject)
		}
	}
	return nil
}

// HasSubscribers reports whether any subscription (literal or wildcard)
// would match the subject.
func (b *LocalBus) HasSubscribers(subject string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.literal[subject]) > 0 {
		return true
	}
	for pattern, subs := range b.wildcards {
		if len(subs) > 0 && types.MatchSubject(pattern, subject) {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of subscriptions (literal or
// wildcard) matching the subject.
func (b *LocalBus) SubscriberCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.literal[subject])
	for pattern, subs := range b.wildcards {
		if types.MatchSubject(pattern, subject) {
			n += len(subs)
		}
	}
	return n
}

// matching snapshots the subscriptions that would receive an event.
func (b *LocalBus) matching(eventType, topic string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Subscription
	for _, sub := range b.literal[eventType] {
		if sub.Topic == "" || sub.Topic == topic {
			out = append(out, sub)
		}
	}
	for pattern, subs := range b.wildcards {
		if !types.MatchSubject(pattern, eventType) {
			continue
		}
		for _, sub := range subs {
			if sub.Topic == "" || sub.Topic == topic {
				out = append(out, sub)
			}
		}
	}
	return out
}

func (b *LocalBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case d := <-b.queue:
			b.deliver(d)
		case <-b.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case d := <-b.queue:
					b.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (b *LocalBus) deliver(d delivery) {
	now := time.Now().UTC()
	if d.event.Expired(now) {
		// Expired between publish and delivery: dropped, never parked.
		metrics.EventsExpiredTotal.Inc()
		return
	}

	var encoded []byte
	var wg sync.WaitGroup
	for _, sub := range d.subs {
		if len(sub.Filter) > 0 {
			if encoded == nil {
				encoded, _ = d.event.Encode()
			}
			if !filterMatches(encoded, sub.Filter) {
				continue
			}
		}

		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			b.invoke(sub, d.event)
		}(sub)
	}
	wg.Wait()
}

func (b *LocalBus) invoke(sub *Subscription, event *types.Event) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HandlerDuration.WithLabelValues(sub.Subject))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v: %w", r, types.ErrDriverFailure)
			b.parkDeadLetter(sub.Subject, event, err)
		}
	}()

	metrics.EventsDeliveredTotal.WithLabelValues(sub.Subject).Inc()
	if err := sub.handler(context.Background(), event); err != nil {
		b.parkDeadLetter(sub.Subject, event, err)
	}
}

func (b *LocalBus) parkDeadLetter(subject string, event *types.Event, err error) {
	metrics.HandlerFailuresTotal.WithLabelValues(subject).Inc()
	b.dlq.park(subject, event, err)
	eventLogger := log.ForEvent(b.logger, event)
	eventLogger.Warn().Err(err).
		Str("subject", subject).
		Msg("Handler failed, event parked in dead-letter store")
}

// OrphanedEvents returns up to max parked orphan records, oldest first.
func (b *LocalBus) OrphanedEvents(max int) []*OrphanRecord {
	return b.orphans.list(max)
}

// ParkOrphan records an orphan on behalf of a consumer that could not
// route the event (the universal processor's no-driver path).
func (b *LocalBus) ParkOrphan(event *types.Event, reason string) {
	b.orphans.park(event, reason, time.Now().UTC())
	metrics.EventsOrphanedTotal.WithLabelValues(event.Type).Inc()
}

// DrainOrphanedEvents evicts orphans matching the type filter parked
// before the cutoff (zero cutoff means all) and returns the count.
func (b *LocalBus) DrainOrphanedEvents(eventTypes []string, before time.Time) int {
	return b.orphans.drain(eventTypes, before)
}

// DeadLetterEvents returns up to max live dead-letter records.
func (b *LocalBus) DeadLetterEvents(max int) []*DeadLetterRecord {
	return b.dlq.list(max)
}

// ReprocessDeadLetter re-publishes a dead-letter entry exactly once and
// removes it from the store.
func (b *LocalBus) ReprocessDeadLetter(id string) error {
	rec, ok := b.dlq.take(id)
	if !ok {
		return fmt.Errorf("dead-letter %s: %w", id, types.ErrNotFound)
	}
	return b.Publish(context.Background(), rec.Event.Clone(), rec.Topic)
}

// ReplayEvents returns history entries within the time window,
// optionally filtered by topic and event types.
func (b *LocalBus) ReplayEvents(start, end time.Time, topic string, eventTypes []string) []*types.Event {
	if b.history == nil {
		return nil
	}
	return b.history.replay(start, end, topic, eventTypes)
}

// History returns retained events, optionally filtered by correlation id.
func (b *LocalBus) History(correlationID string) []*types.Event {
	if b.history == nil {
		return nil
	}
	return b.history.byCorrelation(correlationID)
}

// HealthCheck reports bus liveness and queue pressure.
func (b *LocalBus) HealthCheck(ctx context.Context) storage.HealthCheckResult {
	start := time.Now()
	result := storage.HealthCheckResult{
		Healthy:   true,
		Status:    "healthy",
		CheckedAt: time.Now().UTC(),
	}
	if b.isStopped() {
		result.Healthy = false
		result.Status = "unhealthy"
		result.Error = "bus stopped"
	} else if len(b.queue) > cap(b.queue)*8/10 {
		result.Status = "degraded"
		result.Error = fmt.Sprintf("delivery queue at %d/%d", len(b.queue), cap(b.queue))
	}
	result.Latency = time.Since(start)
	return result
}

func isWildcard(subject string) bool {
	for i := 0; i < len(subject); i++ {
		if subject[i] == '*' {
			return true
		}
	}
	return false
}

// filterMatches evaluates dotted-path filters against the encoded
// envelope using gjson; values compare by their string form.
func filterMatches(encoded []byte, filter map[string]string) bool {
	for path, want := range filter {
		got := gjson.GetBytes(encoded, path)
		if !got.Exists() || got.String() != want {
			return false
		}
	}
	return true
}
