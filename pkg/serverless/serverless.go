package serverless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/storage"
	"github.com/vextir/lightning/pkg/types"
)

// FunctionConfig describes a deployed function.
type FunctionConfig struct {
	Name           string            `json:"name"`
	MemoryMB       int               `json:"memory_mb"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Environment    map[string]string `json:"environment,omitempty"`
}

// HandlerFunc is the function body: payload in, payload out.
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Invocation is the recorded outcome of one call.
type Invocation struct {
	FunctionID string        `json:"function_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type function struct {
	id      string
	config  FunctionConfig
	handler HandlerFunc

	mu          sync.Mutex
	invocations int64
	lastError   string
}

// Host is the local serverless provider: an in-process function host
// with deploy/invoke/delete semantics and per-function timeouts.
type Host struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	functions map[string]*function
}

// NewHost creates an empty host.
func NewHost() *Host {
	return &Host{
		logger:    log.WithComponent("serverless"),
		functions: make(map[string]*function),
	}
}

// Deploy registers a function and returns its id.
func (h *Host) Deploy(cfg FunctionConfig, handler HandlerFunc) (string, error) {
	if cfg.Name == "" || handler == nil {
		return "", fmt.Errorf("deploy function: %w: name and handler required", types.ErrInvalidInput)
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}

	fn := &function{
		id:      cfg.Name + "-" + uuid.NewString()[:8],
		config:  cfg,
		handler: handler,
	}

	h.mu.Lock()
	h.functions[fn.id] = fn
	h.mu.Unlock()

	h.logger.Info().Str("function_id", fn.id).Str("name", cfg.Name).Msg("Function deployed")
	return fn.id, nil
}

// Invoke runs a deployed function under its timeout.
func (h *Host) Invoke(ctx context.Context, id string, payload map[string]any) (map[string]any, error) {
	h.mu.RLock()
	fn, ok := h.functions[id]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("function %s: %w", id, types.ErrNotFound)
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(fn.config.TimeoutSeconds)*time.Second)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: fmt.Errorf("function panic: %v: %w", r, types.ErrInternal)}
			}
		}()
		out, err := fn.handler(callCtx, payload)
		resCh <- result{out: out, err: err}
	}()

	var res result
	select {
	case <-callCtx.Done():
		res = result{err: fmt.Errorf("function %s: %w", id, types.ErrTimeout)}
	case res = <-resCh:
	}

	fn.mu.Lock()
	fn.invocations++
	if res.err != nil {
		fn.lastError = res.err.Error()
	}
	fn.mu.Unlock()

	return res.out, res.err
}

// Delete removes a function. Idempotent.
func (h *Host) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.functions, id)
}

// List returns deployed function ids.
func (h *Host) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.functions))
	for id := range h.functions {
		out = append(out, id)
	}
	return out
}

// HealthCheck reports host liveness.
func (h *Host) HealthCheck(ctx context.Context) storage.HealthCheckResult {
	start := time.Now()
	return storage.HealthCheckResult{
		Healthy:   true,
		Status:    "healthy",
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
}
