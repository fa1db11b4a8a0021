package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning/pkg/types"
)

func startRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.EventBusProvider = "redis"
	cfg.Redis.Addr = mr.Addr()

	b := NewRedisBus(cfg)
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b, mr
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	b, _ := startRedisBus(t)

	var mu sync.Mutex
	var got []*types.Event
	_, err := b.Subscribe("redis.event", func(ctx context.Context, event *types.Event) error {
		mu.Lock()
		got = append(got, event)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	event := types.NewEvent("redis.event", map[string]any{"k": "v"})
	require.NoError(t, b.Publish(context.Background(), event, ""))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, event.ID, got[0].ID)
	assert.Equal(t, "v", got[0].Data["k"])
}

func TestRedisBusDedup(t *testing.T) {
	b, _ := startRedisBus(t)

	var count int
	var mu sync.Mutex
	_, err := b.Subscribe("redis.dedup", func(ctx context.Context, event *types.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, types.NewEvent("redis.dedup", map[string]any{"v": 1}), ""))
	require.NoError(t, b.Publish(ctx, types.NewEvent("redis.dedup", map[string]any{"v": 1}), ""))

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "SETNX dedup drops the duplicate")
}

func TestRedisBusOrphanOnNoReceivers(t *testing.T) {
	b, _ := startRedisBus(t)

	event := types.NewEvent("redis.orphan", nil)
	require.NoError(t, b.Publish(context.Background(), event, ""))

	orphans := b.OrphanedEvents(0)
	require.Len(t, orphans, 1)
	assert.Equal(t, event.ID, orphans[0].Event.ID)
}

func TestRedisBusUnsubscribeIdempotent(t *testing.T) {
	b, _ := startRedisBus(t)

	id, err := b.Subscribe("redis.unsub", func(ctx context.Context, event *types.Event) error {
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(id))
	require.NoError(t, b.Unsubscribe(id))
	assert.False(t, b.HasSubscribers("redis.unsub"))
}

func TestRedisBusHealthCheck(t *testing.T) {
	b, mr := startRedisBus(t)

	health := b.HealthCheck(context.Background())
	assert.True(t, health.Healthy)

	mr.Close()
	health = b.HealthCheck(context.Background())
	assert.False(t, health.Healthy)
}
