package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/types"
)

// State represents circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Snapshot is the externally visible breaker state.
type Snapshot struct {
	Resource        string    `json:"resource"`
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	IsOperational   bool      `json:"is_operational"`
}

// Breaker is a per-resource three-state circuit breaker.
//
// Closed: calls flow; a success resets the failure counter, a failure
// increments it, and reaching FailureThreshold opens the breaker.
// Open: calls fail fast with circuit_open until TimeoutSeconds have
// elapsed since the last failure, when the next call transitions the
// breaker to half-open. Half-open: at most HalfOpenRequests concurrent
// calls are admitted; any failure re-opens (and resets the timer),
// SuccessThreshold consecutive successes close the breaker.
type Breaker struct {
	resource string
	cfg      config.BreakerConfig
	timeout  time.Duration
	logger   zerolog.Logger

	mu           sync.Mutex
	state        State
	failures     int
	successes    int // consecutive successes while half-open
	halfOpenReqs int // in-flight half-open calls
	lastFailure  time.Time
}

// NewBreaker creates a closed breaker for a named resource.
func NewBreaker(resource string, cfg config.BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 60
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 3
	}
	b := &Breaker{
		resource: resource,
		cfg:      cfg,
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:   log.WithComponent("breaker").With().Str("resource", resource).Logger(),
		state:    StateClosed,
	}
	metrics.BreakerState.WithLabelValues(resource).Set(0)
	return b
}

// Call runs fn through the breaker. Client-class errors (invalid
// input, not found, conflict, unauthorized) pass through without
// counting as provider failures.
func (b *Breaker) Call(ctx context.Context, fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn()
	b.afterCall(err == nil || isClientError(err))
	return err
}

func isClientError(err error) bool {
	switch types.ErrorKind(err) {
	case "invalid_input", "not_found", "conflict", "unauthorized":
		return true
	default:
		return false
	}
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailure) >= b.timeout {
			b.setState(StateHalfOpen)
			b.successes = 0
			b.halfOpenReqs = 1
			return nil
		}
		metrics.BreakerRejectionsTotal.WithLabelValues(b.resource).Inc()
		return fmt.Errorf("%s: %w", b.resource, types.ErrCircuitOpen)

	case StateHalfOpen:
		if b.halfOpenReqs >= b.cfg.HalfOpenRequests {
			metrics.BreakerRejectionsTotal.WithLabelValues(b.resource).Inc()
			return fmt.Errorf("%s: half-open at capacity: %w", b.resource, types.ErrCircuitOpen)
		}
		b.halfOpenReqs++
		return nil

	default:
		return fmt.Errorf("%s: unknown breaker state: %w", b.resource, types.ErrInternal)
	}
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = time.Now()
		if b.failures >= b.cfg.FailureThreshold {
			b.logger.Warn().Int("failures", b.failures).Msg("Circuit opened")
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		if b.halfOpenReqs > 0 {
			b.halfOpenReqs--
		}
		if success {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.logger.Info().Msg("Circuit closed after recovery")
				b.setState(StateClosed)
				b.failures = 0
				b.successes = 0
				b.halfOpenReqs = 0
			}
			return
		}
		b.logger.Warn().Msg("Half-open call failed, circuit re-opened")
		b.lastFailure = time.Now()
		b.setState(StateOpen)
		b.successes = 0
		b.halfOpenReqs = 0

	case StateOpen:
		// A call admitted before the transition finished; only
		// failures refresh the timer.
		if !success {
			b.lastFailure = time.Now()
		}
	}
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.BreakerState.WithLabelValues(b.resource).Set(float64(s))
}

// RecordFailure feeds an external failure signal (an unhealthy poll)
// into the breaker without a call.
func (b *Breaker) RecordFailure() {
	b.afterCall(false)
}

// RecordSuccess feeds an external success signal into the breaker.
func (b *Breaker) RecordSuccess() {
	b.afterCall(true)
}

// Snapshot returns the current externally visible state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Resource:        b.resource,
		State:           b.state,
		StateName:       b.state.String(),
		FailureCount:    b.failures,
		LastFailureTime: b.lastFailure,
		IsOperational:   b.state != StateOpen,
	}
}

// Reset force-closes the breaker and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.halfOpenReqs = 0
}
