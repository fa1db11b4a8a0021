package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/bus"
	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/conversation"
	"github.com/vextir/lightning/pkg/driver"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/processor"
	"github.com/vextir/lightning/pkg/registry"
	"github.com/vextir/lightning/pkg/resilience"
	"github.com/vextir/lightning/pkg/serverless"
	"github.com/vextir/lightning/pkg/storage"
	"github.com/vextir/lightning/pkg/types"
)

// shutdownDrain bounds the graceful stop of in-flight handlers.
const shutdownDrain = 30 * time.Second

// Runtime composes the providers, registries, and the universal
// processor into one executable unit. Tests get isolated runtimes by
// constructing their own; there are no process-wide singletons.
type Runtime struct {
	cfg    *config.RuntimeConfig
	logger zerolog.Logger

	store      storage.Store
	eventBus   bus.Bus
	serverless *serverless.Host

	monitor       *resilience.Monitor
	drivers       *registry.DriverRegistry
	tools         *registry.ToolRegistry
	models        *registry.ModelRegistry
	conversations *conversation.Manager
	processor     *processor.Processor
	eventMonitor  *processor.Monitor

	started bool
}

// New composes a runtime from configuration without starting it.
func New(cfg *config.RuntimeConfig) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:    cfg,
		logger: log.WithComponent("runtime"),
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	eventBus, err := buildBus(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Resilience.Enabled {
		r.monitor = resilience.NewMonitor(cfg)
		storeBreaker := r.monitor.Register("storage", store)
		busBreaker := r.monitor.Register("event-bus", eventBus)
		store = resilience.NewResilientStore(store, storeBreaker)
		eventBus = resilience.NewResilientBus(eventBus, busBreaker)
	}
	r.store = store
	r.eventBus = eventBus

	if cfg.ServerlessProvider == "local" {
		r.serverless = serverless.NewHost()
		if r.monitor != nil {
			r.monitor.Register("serverless", r.serverless)
		}
	}

	r.drivers = registry.NewDriverRegistry()
	r.tools = registry.NewToolRegistry()
	r.models = registry.NewModelRegistry(store)
	r.conversations = conversation.NewManager(cfg.Conversation)
	r.processor = processor.New(eventBus, r.drivers, r.conversations)
	r.eventMonitor = processor.NewMonitor(r.processor, eventBus)

	return r, nil
}

func buildStore(cfg *config.RuntimeConfig) (storage.Store, error) {
	switch cfg.StorageProvider {
	case "", "memory":
		if cfg.StoragePath != "" {
			return storage.NewBoltStore(cfg.StoragePath)
		}
		return storage.NewMemoryStore(), nil
	case "bolt", "file":
		path := cfg.StoragePath
		if path == "" {
			path = "./data"
		}
		return storage.NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown storage provider %q: %w", cfg.StorageProvider, types.ErrInvalidInput)
	}
}

func buildBus(cfg *config.RuntimeConfig) (bus.Bus, error) {
	switch cfg.EventBusProvider {
	case "", "local":
		return bus.NewLocalBus(cfg), nil
	case "redis":
		return bus.NewRedisBus(cfg), nil
	default:
		return nil, fmt.Errorf("unknown event bus provider %q: %w", cfg.EventBusProvider, types.ErrInvalidInput)
	}
}

// Start brings the runtime up: bus, well-known containers, health
// monitor, conversation sweep, drivers, and the universal processor.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}

	if err := r.eventBus.Start(); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	for _, name := range []string{storage.ContainerSchedules, storage.ContainerUsage} {
		if err := r.store.EnsureContainer(ctx, name); err != nil {
			return fmt.Errorf("ensure container %s: %w", name, err)
		}
	}

	if r.monitor != nil {
		r.monitor.Start()
	}
	r.conversations.Start()

	if err := r.drivers.InitializeAll(ctx, r.Handle()); err != nil {
		return err
	}

	if err := r.processor.Attach(); err != nil {
		return err
	}
	r.eventMonitor.Start(time.Minute)

	r.started = true
	r.logger.Info().
		Str("mode", string(r.cfg.Mode)).
		Str("storage", r.cfg.StorageProvider).
		Str("event_bus", r.cfg.EventBusProvider).
		Bool("resilience", r.cfg.Resilience.Enabled).
		Msg("Runtime started")
	return nil
}

// PublishEvent publishes through the (possibly breaker-wrapped) bus.
func (r *Runtime) PublishEvent(ctx context.Context, event *types.Event) error {
	return r.eventBus.Publish(ctx, event, "")
}

// Subscribe registers a handler on the runtime bus.
func (r *Runtime) Subscribe(subject string, handler bus.Handler, opts ...bus.SubscribeOption) (string, error) {
	return r.eventBus.Subscribe(subject, handler, opts...)
}

// Unsubscribe removes a subscription.
func (r *Runtime) Unsubscribe(id string) error {
	return r.eventBus.Unsubscribe(id)
}

// Bus exposes the composed event bus.
func (r *Runtime) Bus() bus.Bus { return r.eventBus }

// Store exposes the composed document store.
func (r *Runtime) Store() storage.Store { return r.store }

// Drivers exposes the driver registry.
func (r *Runtime) Drivers() *registry.DriverRegistry { return r.drivers }

// Tools exposes the tool registry.
func (r *Runtime) Tools() *registry.ToolRegistry { return r.tools }

// Models exposes the model registry.
func (r *Runtime) Models() *registry.ModelRegistry { return r.models }

// Conversations exposes the conversation manager.
func (r *Runtime) Conversations() *conversation.Manager { return r.conversations }

// Processor exposes the universal processor.
func (r *Runtime) Processor() *processor.Processor { return r.processor }

// EventMonitor exposes the processing monitor.
func (r *Runtime) EventMonitor() *processor.Monitor { return r.eventMonitor }

// Serverless exposes the local function host, nil unless configured.
func (r *Runtime) Serverless() *serverless.Host { return r.serverless }

// HealthMonitor exposes the resilience monitor, nil when disabled.
func (r *Runtime) HealthMonitor() *resilience.Monitor { return r.monitor }

// Status summarizes runtime state for the CLI and the HTTP edge.
type Status struct {
	Mode      string                               `json:"mode"`
	Started   bool                                 `json:"started"`
	Health    processor.HealthReport               `json:"health"`
	Providers map[string]resilience.ProviderStatus `json:"providers,omitempty"`
	Drivers   []DriverStatus                       `json:"drivers"`
	Sessions  int                                  `json:"sessions"`
}

// DriverStatus is the per-driver line in Status.
type DriverStatus struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	Error        string   `json:"error,omitempty"`
}

// Status reports the runtime's composite state.
func (r *Runtime) Status() Status {
	st := Status{
		Mode:     string(r.cfg.Mode),
		Started:  r.started,
		Health:   r.eventMonitor.Health(),
		Sessions: r.conversations.SessionCount(),
	}
	if r.monitor != nil {
		st.Providers = r.monitor.Statuses()
	}
	for _, entry := range r.drivers.List(registry.DriverFilter{}) {
		st.Drivers = append(st.Drivers, DriverStatus{
			ID:           entry.Manifest.ID,
			Kind:         string(entry.Manifest.Kind),
			Status:       string(entry.Status),
			Capabilities: entry.Manifest.Capabilities,
			Error:        entry.Err,
		})
	}
	return st
}

// Shutdown stops the runtime gracefully: no new events, a bounded
// drain of in-flight handlers, then provider close. All errors except
// internal ones are absorbed and logged.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.started {
		return nil
	}
	r.started = false
	r.logger.Info().Msg("Runtime shutting down")

	var internalErr error
	absorb := func(err error) {
		if internalErr == nil && errors.Is(err, types.ErrInternal) {
			internalErr = err
		}
	}

	r.eventMonitor.Stop()
	if err := r.processor.Detach(); err != nil {
		r.logger.Warn().Err(err).Msg("Processor detach failed")
		absorb(err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, shutdownDrain)
	defer cancel()
	if err := r.eventBus.Stop(drainCtx); err != nil {
		r.logger.Warn().Err(err).Msg("Event bus stop incomplete")
		absorb(err)
	}

	r.drivers.ShutdownAll(ctx)
	r.conversations.Stop()
	if r.monitor != nil {
		r.monitor.Stop()
	}

	if deadLetters := r.eventBus.DeadLetterEvents(0); len(deadLetters) > 0 {
		r.logger.Warn().Int("count", len(deadLetters)).Msg("Dead-letter events remained at shutdown")
	}

	if err := r.store.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Store close failed")
		absorb(err)
	}
	r.logger.Info().Msg("Runtime stopped")
	return internalErr
}

// Handle returns the narrow runtime handle passed to drivers.
func (r *Runtime) Handle() driver.Runtime {
	return &driverHandle{rt: r}
}

// driverHandle adapts the runtime to the driver ABI without exposing
// registries or the full bus surface.
type driverHandle struct {
	rt *Runtime
}

func (h *driverHandle) Emit(ctx context.Context, event *types.Event) error {
	return h.rt.PublishEvent(ctx, event)
}

func (h *driverHandle) Store() driver.Storage {
	return &driverStorage{store: h.rt.store}
}

func (h *driverHandle) Model(id string) (driver.ModelSpec, error) {
	return h.rt.models.Get(id)
}

func (h *driverHandle) TrackUsage(record driver.UsageRecord) error {
	return h.rt.models.TrackUsage(record)
}

type driverStorage struct {
	store storage.Store
}

func (s *driverStorage) EnsureContainer(ctx context.Context, name string) error {
	return s.store.EnsureContainer(ctx, name)
}

func (s *driverStorage) CreateDocument(ctx context.Context, container, id, partitionKey string, attrs map[string]any) error {
	return s.store.Create(ctx, container, &storage.Document{
		ID:           id,
		PartitionKey: partitionKey,
		Attributes:   attrs,
	})
}

func (s *driverStorage) GetDocument(ctx context.Context, container, id, partitionKey string) (map[string]any, error) {
	doc, err := s.store.Get(ctx, container, id, partitionKey)
	if err != nil {
		return nil, err
	}
	return doc.Attributes, nil
}

func (s *driverStorage) DeleteDocument(ctx context.Context, container, id, partitionKey string) error {
	return s.store.Delete(ctx, container, id, partitionKey)
}

func (s *driverStorage) QueryDocuments(ctx context.Context, container string, equals map[string]any, partitionKey string) ([]map[string]any, error) {
	docs, err := s.store.Query(ctx, container, storage.Predicate{Equals: equals},
		storage.QueryOptions{PartitionKey: partitionKey})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		out[i] = doc.Attributes
	}
	return out, nil
}
