package resilience

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/storage"
	"github.com/vextir/lightning/pkg/types"
)

// flakyChecker reports health from a switch.
type flakyChecker struct {
	healthy atomic.Bool
}

func (c *flakyChecker) HealthCheck(ctx context.Context) storage.HealthCheckResult {
	if c.healthy.Load() {
		return storage.HealthCheckResult{Healthy: true, Status: "healthy", CheckedAt: time.Now()}
	}
	return storage.HealthCheckResult{Healthy: false, Status: "unhealthy", Error: "down", CheckedAt: time.Now()}
}

func testMonitor() *Monitor {
	cfg := config.Default()
	cfg.Breaker.FailureThreshold = 2
	return NewMonitor(cfg)
}

func TestMonitorFeedsBreaker(t *testing.T) {
	m := testMonitor()
	checker := &flakyChecker{}
	checker.healthy.Store(true)

	breaker := m.Register("storage", checker)

	m.poll()
	status, ok := m.ProviderStatus("storage")
	require.True(t, ok)
	assert.Equal(t, "healthy", status.Health.Status)
	assert.True(t, status.Breaker.IsOperational)

	// Two unhealthy polls trip the breaker with no traffic at all.
	checker.healthy.Store(false)
	m.poll()
	m.poll()

	status, _ = m.ProviderStatus("storage")
	assert.Equal(t, "unhealthy", status.Health.Status)
	assert.Equal(t, "down", status.Health.Error)
	assert.False(t, status.Breaker.IsOperational)

	err := breaker.Call(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
}

func TestMonitorRollingScore(t *testing.T) {
	m := testMonitor()
	checker := &flakyChecker{}
	checker.healthy.Store(true)
	m.Register("p", checker)

	m.poll()
	status, _ := m.ProviderStatus("p")
	assert.InDelta(t, 100, status.Health.Score, 0.01)

	checker.healthy.Store(false)
	m.poll()
	status, _ = m.ProviderStatus("p")
	assert.Less(t, status.Health.Score, 100.0)
	assert.Greater(t, status.Health.Score, 0.0, "score decays, it does not crater")
}

func TestMonitorReRegisterKeepsBreaker(t *testing.T) {
	m := testMonitor()
	a := &flakyChecker{}
	first := m.Register("p", a)
	second := m.Register("p", &flakyChecker{})
	assert.Same(t, first, second)
}

func TestMonitorUnknownProvider(t *testing.T) {
	m := testMonitor()
	_, ok := m.ProviderStatus("ghost")
	assert.False(t, ok)
	assert.Nil(t, m.Breaker("ghost"))
}

func TestMonitorStatuses(t *testing.T) {
	m := testMonitor()
	h := &flakyChecker{}
	h.healthy.Store(true)
	m.Register("a", h)
	m.Register("b", h)
	m.poll()

	statuses := m.Statuses()
	assert.Len(t, statuses, 2)
}

func TestResilientStoreWrapsCalls(t *testing.T) {
	cfg := config.Default()
	cfg.Breaker.FailureThreshold = 1

	inner := storage.NewMemoryStore()
	breaker := NewBreaker("storage", cfg.Breaker)
	store := NewResilientStore(inner, breaker)

	ctx := context.Background()
	require.NoError(t, store.EnsureContainer(ctx, "c"))
	require.NoError(t, store.Create(ctx, "c", &storage.Document{ID: "d1"}))

	doc, err := store.Get(ctx, "c", "d1", "")
	require.NoError(t, err)
	assert.Equal(t, "d1", doc.ID)

	// Client-class errors pass through without tripping the breaker.
	_, err = store.Get(ctx, "missing-container", "x", "")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.Get(ctx, "c", "d1", "")
	require.NoError(t, err, "not_found must not open the circuit")

	// Provider-class failures do trip it.
	breaker.RecordFailure()
	_, err = store.Get(ctx, "c", "d1", "")
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
}
