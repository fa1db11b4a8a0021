package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/storage"
)

// Checker is anything that can report its own health. Both providers
// (storage, bus) and the runtime endpoints satisfy it.
type Checker interface {
	HealthCheck(ctx context.Context) storage.HealthCheckResult
}

// Record is the monitor's view of one provider.
type Record struct {
	Provider  string        `json:"provider"`
	Status    string        `json:"status"` // healthy, degraded, unhealthy
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Score     float64       `json:"score"` // rolling 0-100
}

// ProviderStatus combines the health record with the breaker snapshot.
type ProviderStatus struct {
	Health  Record   `json:"health"`
	Breaker Snapshot `json:"breaker"`
}

type monitoredProvider struct {
	name    string
	checker Checker
	breaker *Breaker

	mu     sync.Mutex
	record Record
}

// Monitor polls registered providers and feeds results into their
// circuit breakers: an unhealthy poll counts as a breaker failure.
type Monitor struct {
	interval   time.Duration
	breakerCfg config.BreakerConfig
	logger     zerolog.Logger

	mu        sync.Mutex
	providers map[string]*monitoredProvider

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg *config.RuntimeConfig) *Monitor {
	return &Monitor{
		interval:   cfg.HealthInterval(),
		breakerCfg: cfg.Breaker,
		logger:     log.WithComponent("health-monitor"),
		providers:  make(map[string]*monitoredProvider),
		stopCh:     make(chan struct{}),
	}
}

// Register adds a provider under a name and returns the breaker that
// guards it. Re-registering a name replaces the checker but keeps the
// breaker.
func (m *Monitor) Register(name string, checker Checker) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.providers[name]; ok {
		p.checker = checker
		return p.breaker
	}
	p := &monitoredProvider{
		name:    name,
		checker: checker,
		breaker: NewBreaker(name, m.breakerCfg),
		record:  Record{Provider: name, Status: "healthy", Score: 100},
	}
	m.providers[name] = p
	return p.breaker
}

// Breaker returns the breaker for a registered provider, or nil.
func (m *Monitor) Breaker(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[name]; ok {
		return p.breaker
	}
	return nil
}

// Start launches the poll loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts polling.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.poll() // immediate first sample
	for {
		select {
		case <-ticker.C:
			m.poll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) poll() {
	m.mu.Lock()
	providers := make([]*monitoredProvider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.Unlock()

	for _, p := range providers {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		result := p.checker.HealthCheck(ctx)
		cancel()

		p.mu.Lock()
		p.record.Status = result.Status
		p.record.Latency = result.Latency
		p.record.Error = result.Error
		p.record.CheckedAt = time.Now().UTC()

		sample := 0.0
		if result.Healthy {
			sample = 100
		} else if result.Status == "degraded" {
			sample = 50
		}
		// Rolling score: recent samples dominate.
		p.record.Score = p.record.Score*0.8 + sample*0.2
		p.mu.Unlock()

		if result.Healthy {
			metrics.ProviderHealthy.WithLabelValues(p.name).Set(1)
			p.breaker.RecordSuccess()
		} else {
			metrics.ProviderHealthy.WithLabelValues(p.name).Set(0)
			p.breaker.RecordFailure()
			m.logger.Warn().
				Str("provider", p.name).
				Str("status", result.Status).
				Str("error", result.Error).
				Msg("Provider unhealthy")
		}
	}
}

// ProviderStatus returns the combined health record and breaker state.
func (m *Monitor) ProviderStatus(name string) (ProviderStatus, bool) {
	m.mu.Lock()
	p, ok := m.providers[name]
	m.mu.Unlock()
	if !ok {
		return ProviderStatus{}, false
	}

	p.mu.Lock()
	record := p.record
	p.mu.Unlock()
	return ProviderStatus{Health: record, Breaker: p.breaker.Snapshot()}, true
}

// Statuses returns the combined status of every registered provider.
func (m *Monitor) Statuses() map[string]ProviderStatus {
	m.mu.Lock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]ProviderStatus, len(names))
	for _, name := range names {
		if st, ok := m.ProviderStatus(name); ok {
			out[name] = st
		}
	}
	return out
}
