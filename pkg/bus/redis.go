package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/storage"
	"github.com/vextir/lightning/pkg/types"
)

const (
	redisChannelPrefix = "vextir:events:"
	redisDedupPrefix   = "vextir:dedup:"
	defaultTopic       = "events"
)

// RedisBus implements the Bus contract over Redis Pub/Sub. Suitable for
// local development and small multi-process deployments; orphan,
// dead-letter and history stores remain process-local while dedup is
// shared through SETNX keys.
type RedisBus struct {
	cfg    *config.RuntimeConfig
	logger zerolog.Logger
	rdb    *redis.Client
	pubsub *redis.PubSub

	mu   sync.RWMutex
	subs map[string]*Subscription // id -> sub
	refs map[string]int           // redis channel -> subscription count

	stateMu sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	history *historyRing
	orphans *orphanStore
	dlq     *deadLetterStore
}

// NewRedisBus connects to Redis using the runtime configuration.
func NewRedisBus(cfg *config.RuntimeConfig) *RedisBus {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	b := &RedisBus{
		cfg:     cfg,
		logger:  log.WithComponent("redis-bus"),
		rdb:     rdb,
		subs:    make(map[string]*Subscription),
		refs:    make(map[string]int),
		orphans: newOrphanStore(cfg.Bus.OrphanLimit),
		dlq:     newDeadLetterStore(cfg.Bus.DeadLetterLimit, cfg.DeadLetterTTL()),
	}
	if cfg.Replay.Enabled {
		b.history = newHistoryRing(cfg.Replay.MaxHistorySize,
			time.Duration(cfg.Replay.RetentionSeconds)*time.Second)
	}
	return b
}

func channelName(topic, subject string) string {
	if topic == "" {
		topic = defaultTopic
	}
	return redisChannelPrefix + topic + ":" + subject
}

// Start opens the pub/sub connection and launches the listener.
func (b *RedisBus) Start() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	if err := b.rdb.Ping(ctx).Err(); err != nil {
		cancel()
		return fmt.Errorf("redis bus: %w: %v", types.ErrBusUnavailable, err)
	}

	b.pubsub = b.rdb.Subscribe(ctx)
	b.started = true

	go b.listen(ctx)
	b.logger.Info().Str("addr", b.cfg.Redis.Addr).Msg("Redis event bus started")
	return nil
}

// Stop closes the pub/sub connection and the client.
func (b *RedisBus) Stop(ctx context.Context) error {
	b.stateMu.Lock()
	if !b.started || b.stopped {
		b.stateMu.Unlock()
		return nil
	}
	b.stopped = true
	b.stateMu.Unlock()

	b.cancel()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.rdb.Close()
}

func (b *RedisBus) isStopped() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.stopped
}

// Publish sends the event to its subject channel. The Redis receiver
// count stands in for local orphan detection.
func (b *RedisBus) Publish(ctx context.Context, event *types.Event, topic string) error {
	if event == nil || event.Type == "" {
		return fmt.Errorf("publish: %w: event type required", types.ErrInvalidInput)
	}
	if b.isStopped() {
		return fmt.Errorf("publish %s: %w", event.Type, types.ErrBusUnavailable)
	}

	now := time.Now().UTC()
	if event.Expired(now) {
		metrics.EventsExpiredTotal.Inc()
		return fmt.Errorf("publish %s: %w", event.Type, types.ErrTTLExpired)
	}

	if b.cfg.Dedup.Enabled {
		key := redisDedupPrefix + event.DedupKey()
		fresh, err := b.rdb.SetNX(ctx, key, event.ID, b.cfg.DedupWindow()).Result()
		if err != nil {
			return fmt.Errorf("publish %s: %w: %v", event.Type, types.ErrBusUnavailable, err)
		}
		if !fresh {
			metrics.EventsDeduplicatedTotal.Inc()
			return nil
		}
	}

	payload, err := event.Encode()
	if err != nil {
		return fmt.Errorf("publish %s: encode: %w", event.Type, err)
	}

	if b.history != nil {
		b.history.append(event, topic, now)
	}
	metrics.EventsPublishedTotal.WithLabelValues(event.Type).Inc()

	receivers, err := b.rdb.Publish(ctx, channelName(topic, event.Type), payload).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w: %v", event.Type, types.ErrBusUnavailable, err)
	}
	if receivers == 0 {
		b.orphans.park(event, ReasonNoSubscribers, now)
		metrics.EventsOrphanedTotal.WithLabelValues(event.Type).Inc()
	}
	return nil
}

// PublishBatch publishes each event independently, reporting failures
// by index.
func (b *RedisBus) PublishBatch(ctx context.Context, events []*types.Event, topic string) []error {
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

// Subscribe registers a local handler and joins the subject channel.
// Wildcard subjects use pattern subscriptions; the listener re-checks
// single-segment semantics before dispatch.
func (b *RedisBus) Subscribe(subject string, handler Handler, opts ...SubscribeOption) (string, error) {
	if subject == "" || handler == nil {
		return "", fmt.Errorf("subscribe: %w: subject and handler required", types.ErrInvalidInput)
	}
	if b.pubsub == nil {
		return "", fmt.Errorf("subscribe %s: %w", subject, types.ErrBusUnavailable)
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Subject: subject,
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	ctx := context.Background()
	channel := channelName(sub.Topic, subject)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs[channel] == 0 {
		var err error
		if isWildcard(subject) {
			err = b.pubsub.PSubscribe(ctx, channel)
		} else {
			err = b.pubsub.Subscribe(ctx, channel)
		}
		if err != nil {
			return "", fmt.Errorf("subscribe %s: %w: %v", subject, types.ErrBusUnavailable, err)
		}
	}
	b.refs[channel]++
	b.subs[sub.ID] = sub

	b.logger.Debug().Str("subject", subject).Str("channel", channel).Msg("Subscribed")
	return sub.ID, nil
}

// Unsubscribe removes a subscription and leaves the channel once no
// local subscription references it. Idempotent.
func (b *RedisBus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return nil
	}
	delete(b.subs, id)

	channel := channelName(sub.Topic, sub.Subject)
	if b.refs[channel] > 0 {
		b.refs[channel]--
	}
	if b.refs[channel] == 0 && b.pubsub != nil {
		ctx := context.Background()
		if isWildcard(sub.Subject) {
			_ = b.pubsub.PUnsubscribe(ctx, channel)
		} else {
			_ = b.pubsub.Unsubscribe(ctx, channel)
		}
		delete(b.refs, channel)
	}
	return nil
}

// HasSubscribers reports whether any local subscription matches.
func (b *RedisBus) HasSubscribers(subject string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if types.MatchSubject(sub.Subject, subject) {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of local subscriptions matching
// the subject.
func (b *RedisBus) SubscriberCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if types.MatchSubject(sub.Subject, subject) {
			n++
		}
	}
	return n
}

func (b *RedisBus) listen(ctx context.Context) {
	defer close(b.done)
	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBus) dispatch(msg *redis.Message) {
	event, err := types.DecodeEvent([]byte(msg.Payload))
	if err != nil {
		b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable event")
		return
	}
	if event.Expired(time.Now().UTC()) {
		metrics.EventsExpiredTotal.Inc()
		return
	}

	topic := topicFromChannel(msg.Channel)

	b.mu.RLock()
	var matched []*Subscription
	for _, sub := range b.subs {
		if !types.MatchSubject(sub.Subject, event.Type) {
			continue
		}
		if sub.Topic != "" && sub.Topic != topic {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	var encoded []byte
	for _, sub := range matched {
		if len(sub.Filter) > 0 {
			if encoded == nil {
				encoded, _ = event.Encode()
			}
			if !filterMatches(encoded, sub.Filter) {
				continue
			}
		}
		go b.invoke(sub, event)
	}
}

func (b *RedisBus) invoke(sub *Subscription, event *types.Event) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HandlerDuration.WithLabelValues(sub.Subject))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v: %w", r, types.ErrDriverFailure)
			metrics.HandlerFailuresTotal.WithLabelValues(sub.Subject).Inc()
			b.dlq.park(sub.Subject, event, err)
		}
	}()

	metrics.EventsDeliveredTotal.WithLabelValues(sub.Subject).Inc()
	if err := sub.handler(context.Background(), event); err != nil {
		metrics.HandlerFailuresTotal.WithLabelValues(sub.Subject).Inc()
		b.dlq.park(sub.Subject, event, err)
	}
}

func topicFromChannel(channel string) string {
	rest := strings.TrimPrefix(channel, redisChannelPrefix)
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return defaultTopic
}

// OrphanedEvents returns locally parked orphan records.
func (b *RedisBus) OrphanedEvents(max int) []*OrphanRecord {
	return b.orphans.list(max)
}

// ParkOrphan records an orphan on behalf of a consumer.
func (b *RedisBus) ParkOrphan(event *types.Event, reason string) {
	b.orphans.park(event, reason, time.Now().UTC())
	metrics.EventsOrphanedTotal.WithLabelValues(event.Type).Inc()
}

// DrainOrphanedEvents evicts matching local orphan records.
func (b *RedisBus) DrainOrphanedEvents(eventTypes []string, before time.Time) int {
	return b.orphans.drain(eventTypes, before)
}

// DeadLetterEvents returns locally parked dead-letter records.
func (b *RedisBus) DeadLetterEvents(max int) []*DeadLetterRecord {
	return b.dlq.list(max)
}

// ReprocessDeadLetter re-publishes a dead-letter entry exactly once.
func (b *RedisBus) ReprocessDeadLetter(id string) error {
	rec, ok := b.dlq.take(id)
	if !ok {
		return fmt.Errorf("dead-letter %s: %w", id, types.ErrNotFound)
	}
	return b.Publish(context.Background(), rec.Event.Clone(), rec.Topic)
}

// ReplayEvents returns process-local history within the window.
func (b *RedisBus) ReplayEvents(start, end time.Time, topic string, eventTypes []string) []*types.Event {
	if b.history == nil {
		return nil
	}
	return b.history.replay(start, end, topic, eventTypes)
}

// History returns process-local retained events by correlation id.
func (b *RedisBus) History(correlationID string) []*types.Event {
	if b.history == nil {
		return nil
	}
	return b.history.byCorrelation(correlationID)
}

// HealthCheck pings Redis.
func (b *RedisBus) HealthCheck(ctx context.Context) storage.HealthCheckResult {
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
	} else if err := b.rdb.Ping(ctx).Err(); err != nil {
		result.Healthy = false
		result.Status = "unhealthy"
		result.Error = err.Error()
	}
	result.Latency = time.Since(start)
	return result
}
