package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/types"
)

func init() {
	log.Init(log.Options{Level: "error"})
}

func testConfig() *config.RuntimeConfig {
	cfg := config.Default()
	cfg.Bus.QueueSize = 64
	cfg.Bus.Workers = 4
	cfg.Bus.OrphanLimit = 16
	cfg.Bus.DeadLetterLimit = 16
	return cfg
}

func startBus(t *testing.T, cfg *config.RuntimeConfig) *LocalBus {
	t.Helper()
	b := NewLocalBus(cfg)
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

// collect returns a handler that records events and a wait function.
func collect() (Handler, func(t *testing.T, want int) []*types.Event) {
	var mu sync.Mutex
	var got []*types.Event
	handler := func(ctx context.Context, event *types.Event) error {
		mu.Lock()
		got = append(got, event)
		mu.Unlock()
		return nil
	}
	wait := func(t *testing.T, want int) []*types.Event {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			n := len(got)
			mu.Unlock()
			if n >= want {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		out := make([]*types.Event, len(got))
		copy(out, got)
		return out
	}
	return handler, wait
}

func TestOrphanDetectionAndDrain(t *testing.T) {
	b := startBus(t, testConfig())

	event := types.NewEvent("test.orphaned.event", map[string]any{"test": "data"})
	require.NoError(t, b.Publish(context.Background(), event, ""))

	orphans := b.OrphanedEvents(0)
	require.Len(t, orphans, 1)
	assert.Equal(t, event.ID, orphans[0].Event.ID)
	assert.Equal(t, ReasonNoSubscribers, orphans[0].Reason)

	drained := b.DrainOrphanedEvents([]string{"test.orphaned.event"}, time.Time{})
	assert.Equal(t, 1, drained)
	assert.Empty(t, b.OrphanedEvents(0))
}

func TestDrainFiltersByTypeAndCutoff(t *testing.T) {
	b := startBus(t, testConfig())
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, types.NewEvent("orphan.a", nil), ""))
	require.NoError(t, b.Publish(ctx, types.NewEvent("orphan.b", nil), ""))

	assert.Equal(t, 0, b.DrainOrphanedEvents([]string{"orphan.c"}, time.Time{}))
	assert.Equal(t, 1, b.DrainOrphanedEvents([]string{"orphan.a"}, time.Time{}))
	// Cutoff in the past drains nothing.
	assert.Equal(t, 0, b.DrainOrphanedEvents(nil, time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, b.DrainOrphanedEvents(nil, time.Time{}))
}

func TestWildcardSubscription(t *testing.T) {
	b := startBus(t, testConfig())

	handler, wait := collect()
	_, err := b.Subscribe("test.wildcard.*", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(),
		types.NewEvent("test.wildcard.specific", map[string]any{"k": "v"}), ""))

	got := wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "test.wildcard.specific", got[0].Type)
	assert.Empty(t, b.OrphanedEvents(0), "matched events are never orphans")
}

func TestWildcardSingleSegmentOnly(t *testing.T) {
	b := startBus(t, testConfig())

	handler, wait := collect()
	_, err := b.Subscribe("test.*", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), types.NewEvent("test.one", nil), ""))
	require.NoError(t, b.Publish(context.Background(), types.NewEvent("test.one.two", nil), ""))

	got := wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	got = wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "test.one", got[0].Type)

	// The two-segment event had no subscriber and was orphaned.
	orphans := b.OrphanedEvents(0)
	require.Len(t, orphans, 1)
	assert.Equal(t, "test.one.two", orphans[0].Event.Type)
}

func TestDedupWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Dedup.WindowSeconds = 1
	b := startBus(t, cfg)

	handler, wait := collect()
	_, err := b.Subscribe("test.event", handler)
	require.NoError(t, err)

	ctx := context.Background()
	first := types.NewEvent("test.event", map[string]any{"value": 42})
	second := types.NewEvent("test.event", map[string]any{"value": 42})

	require.NoError(t, b.Publish(ctx, first, ""))
	require.NoError(t, b.Publish(ctx, second, ""), "duplicate publish succeeds silently")

	got := wait(t, 1)
	time.Sleep(100 * time.Millisecond)
	got = wait(t, 1)
	assert.Len(t, got, 1, "duplicate within the window must be dropped")

	// Past the window the same payload is fresh again.
	time.Sleep(1200 * time.Millisecond)
	third := types.NewEvent("test.event", map[string]any{"value": 42})
	require.NoError(t, b.Publish(ctx, third, ""))
	got = wait(t, 2)
	assert.Len(t, got, 2)
}

func TestDedupDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Dedup.Enabled = false
	b := startBus(t, cfg)

	handler, wait := collect()
	_, err := b.Subscribe("test.event", handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, types.NewEvent("test.event", map[string]any{"v": 1}), ""))
	require.NoError(t, b.Publish(ctx, types.NewEvent("test.event", map[string]any{"v": 1}), ""))

	got := wait(t, 2)
	assert.Len(t, got, 2)
}

func TestTTLExpiredAtPublish(t *testing.T) {
	b := startBus(t, testConfig())

	handler, wait := collect()
	_, err := b.Subscribe("test.ttl", handler)
	require.NoError(t, err)

	event := types.NewEvent("test.ttl", nil)
	event.Timestamp = time.Now().UTC().Add(-10 * time.Second)
	event.WithMetadata(types.MetaTTLSeconds, 2)

	err = b.Publish(context.Background(), event, "")
	assert.ErrorIs(t, err, types.ErrTTLExpired)

	got := wait(t, 0)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got, "expired events are never delivered")
	assert.Empty(t, b.OrphanedEvents(0), "expired events are never parked as orphans")
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := startBus(t, testConfig())

	handler, wait := collect()
	id, err := b.Subscribe("test.unsub", handler)
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(id))
	require.NoError(t, b.Unsubscribe(id), "second unsubscribe must not error")

	require.NoError(t, b.Publish(context.Background(), types.NewEvent("test.unsub", nil), ""))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, wait(t, 0), "no invocations after unsubscribe")
}

func TestHasSubscribers(t *testing.T) {
	b := startBus(t, testConfig())

	assert.False(t, b.HasSubscribers("llm.chat"))

	handler, _ := collect()
	litID, err := b.Subscribe("llm.chat", handler)
	require.NoError(t, err)
	assert.True(t, b.HasSubscribers("llm.chat"))

	_, err = b.Subscribe("llm.*", handler)
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(litID))
	assert.True(t, b.HasSubscribers("llm.chat"), "wildcard still matches")
	assert.False(t, b.HasSubscribers("other.subject"))

	assert.Equal(t, 1, b.SubscriberCount("llm.chat"))
}

func TestSubscriptionFilter(t *testing.T) {
	b := startBus(t, testConfig())

	handler, wait := collect()
	_, err := b.Subscribe("filtered.event", handler,
		WithFilter(map[string]string{"data.region": "eu", "metadata.session_id": "s1"}))
	require.NoError(t, err)

	ctx := context.Background()
	match := types.NewEvent("filtered.event", map[string]any{"region": "eu"})
	match.WithMetadata(types.MetaSessionID, "s1")
	miss := types.NewEvent("filtered.event", map[string]any{"region": "us"})
	miss.WithMetadata(types.MetaSessionID, "s1")

	require.NoError(t, b.Publish(ctx, match, ""))
	require.NoError(t, b.Publish(ctx, miss, ""))

	got := wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	got = wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "eu", got[0].Data["region"])
}

func TestTopicScoping(t *testing.T) {
	b := startBus(t, testConfig())

	handler, wait := collect()
	_, err := b.Subscribe("scoped.event", handler, WithTopic("tenant-a"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, types.NewEvent("scoped.event", map[string]any{"n": 1}), "tenant-a"))
	require.NoError(t, b.Publish(ctx, types.NewEvent("scoped.event", map[string]any{"n": 2}), "tenant-b"))

	got := wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	got = wait(t, 1)
	assert.Len(t, got, 1, "topic-scoped subscription only sees its topic")
}

func TestHandlerFailureRoutesToDeadLetter(t *testing.T) {
	b := startBus(t, testConfig())

	var calls atomic.Int32
	_, err := b.Subscribe("failing.event", func(ctx context.Context, event *types.Event) error {
		calls.Add(1)
		return errors.New("handler exploded")
	})
	require.NoError(t, err)

	event := types.NewEvent("failing.event", nil)
	require.NoError(t, b.Publish(context.Background(), event, ""))

	require.Eventually(t, func() bool {
		return len(b.DeadLetterEvents(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	records := b.DeadLetterEvents(0)
	require.Len(t, records, 1)
	assert.Equal(t, "failing.event", records[0].Subject)
	assert.Equal(t, event.ID, records[0].Event.ID)
	assert.Contains(t, records[0].Error, "handler exploded")

	// The subscription is retained; the DLQ is the remediation surface.
	require.NoError(t, b.Publish(context.Background(), types.NewEvent("failing.event", map[string]any{"n": 2}), ""))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicRecovered(t *testing.T) {
	b := startBus(t, testConfig())

	_, err := b.Subscribe("panicky.event", func(ctx context.Context, event *types.Event) error {
		panic("boom")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), types.NewEvent("panicky.event", nil), ""))
	require.Eventually(t, func() bool {
		return len(b.DeadLetterEvents(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReprocessDeadLetterOnce(t *testing.T) {
	b := startBus(t, testConfig())

	fail := true
	handler, wait := collect()
	_, err := b.Subscribe("retry.event", func(ctx context.Context, event *types.Event) error {
		if fail {
			return errors.New("first attempt fails")
		}
		return handler(ctx, event)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), types.NewEvent("retry.event", nil), ""))
	require.Eventually(t, func() bool {
		return len(b.DeadLetterEvents(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fail = false
	rec := b.DeadLetterEvents(0)[0]
	require.NoError(t, b.ReprocessDeadLetter(rec.ID))

	got := wait(t, 1)
	assert.Len(t, got, 1)
	assert.Empty(t, b.DeadLetterEvents(0), "reprocessed entry leaves the store")

	assert.ErrorIs(t, b.ReprocessDeadLetter(rec.ID), types.ErrNotFound)
}

func TestHistoryReplayRoundTrip(t *testing.T) {
	b := startBus(t, testConfig())
	handler, wait := collect()
	_, err := b.Subscribe("replay.*", handler)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Second)

	published := types.NewEvent("replay.sample", map[string]any{"k": "v", "n": float64(7)})
	published.WithMetadata(types.MetaCorrelationID, "corr-1")
	require.NoError(t, b.Publish(ctx, published, "topic-x"))
	require.NoError(t, b.Publish(ctx, types.NewEvent("replay.other", nil), ""))
	wait(t, 2)

	replayed := b.ReplayEvents(start, time.Time{}, "topic-x", []string{"replay.sample"})
	require.Len(t, replayed, 1)
	assert.Equal(t, published.ID, replayed[0].ID)
	assert.Equal(t, published.Data, replayed[0].Data)
	assert.True(t, published.Timestamp.Equal(replayed[0].Timestamp))

	byCorr := b.History("corr-1")
	require.Len(t, byCorr, 1)
	assert.Equal(t, published.ID, byCorr[0].ID)

	all := b.History("")
	assert.Len(t, all, 2)
}

func TestHistoryRingBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Replay.MaxHistorySize = 3
	b := startBus(t, cfg)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, types.NewEvent(fmt.Sprintf("ring.%d", i), nil), ""))
	}

	all := b.History("")
	require.Len(t, all, 3)
	assert.Equal(t, "ring.2", all[0].Type, "oldest entries evict first")
	assert.Equal(t, "ring.4", all[2].Type)
}

func TestOrphanRingBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Bus.OrphanLimit = 2
	b := startBus(t, cfg)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, types.NewEvent(fmt.Sprintf("orphan.%d", i), nil), ""))
	}

	orphans := b.OrphanedEvents(0)
	require.Len(t, orphans, 2)
	assert.Equal(t, "orphan.2", orphans[0].Event.Type)
	assert.Equal(t, "orphan.3", orphans[1].Event.Type)
}

func TestPublishAfterStop(t *testing.T) {
	b := NewLocalBus(testConfig())
	require.NoError(t, b.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	err := b.Publish(context.Background(), types.NewEvent("late.event", nil), "")
	assert.ErrorIs(t, err, types.ErrBusUnavailable)

	health := b.HealthCheck(context.Background())
	assert.False(t, health.Healthy)
}

func TestPublishBatchPartialFailure(t *testing.T) {
	b := startBus(t, testConfig())

	expired := types.NewEvent("batch.b", nil)
	expired.Timestamp = time.Now().UTC().Add(-time.Minute)
	expired.WithMetadata(types.MetaTTLSeconds, 1)

	errs := b.PublishBatch(context.Background(), []*types.Event{
		types.NewEvent("batch.a", nil),
		expired,
		types.NewEvent("batch.c", nil),
	}, "")

	require.NotNil(t, errs)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], types.ErrTTLExpired)
	assert.NoError(t, errs[2])
}

func TestPublishInvalidEvent(t *testing.T) {
	b := startBus(t, testConfig())
	assert.ErrorIs(t, b.Publish(context.Background(), nil, ""), types.ErrInvalidInput)
	assert.ErrorIs(t, b.Publish(context.Background(), &types.Event{}, ""), types.ErrInvalidInput)
	_, err := b.Subscribe("", nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestConcurrentPublishFanOut(t *testing.T) {
	b := startBus(t, testConfig())

	var delivered atomic.Int64
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe("fan.out", func(ctx context.Context, event *types.Event) error {
			delivered.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	ctx := context.Background()
	const publishers = 8
	const perPublisher = 10
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				event := types.NewEvent("fan.out", map[string]any{"p": p, "i": i})
				_ = b.Publish(ctx, event, "")
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return delivered.Load() == int64(3*publishers*perPublisher)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDedupCacheBounded(t *testing.T) {
	cache := newDedupCache(3, time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		assert.False(t, cache.seen(fmt.Sprintf("key-%d", i), now))
	}
	assert.Equal(t, 3, cache.size(), "cache evicts beyond its cap")

	// Evicted keys read as fresh again.
	assert.False(t, cache.seen("key-0", now))
	// Retained keys still dedup.
	assert.True(t, cache.seen("key-4", now))
}
