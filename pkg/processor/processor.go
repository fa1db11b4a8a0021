package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/bus"
	"github.com/vextir/lightning/pkg/conversation"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/registry"
	"github.com/vextir/lightning/pkg/types"
)

// ChatEventType is the conversation-ordered chat subject; user events
// of this type get a turn number stamped before any driver runs.
const ChatEventType = "llm.chat"

// ChatResponseType carries assistant replies back through the bus.
const ChatResponseType = "llm.chat.response"

// Metrics is a snapshot of processor counters.
type Metrics struct {
	TotalEvents   int64            `json:"total_events"`
	TotalErrors   int64            `json:"total_errors"`
	TotalOrphaned int64            `json:"total_orphaned"`
	EventTypes    map[string]int64 `json:"event_types"`
	ErrorTypes    map[string]int64 `json:"error_types"`
	OrphanedTypes map[string]int64 `json:"orphaned_types"`
	ErrorRate     float64          `json:"error_rate"`
	OrphanRate    float64          `json:"orphan_rate"`
}

// Processor is the owned subscriber tying the bus to the driver
// registry: it routes every event to matching drivers by capability,
// stamps conversation turns, publishes driver outputs, and records
// events no consumer wants as orphans.
type Processor struct {
	bus           bus.Bus
	drivers       *registry.DriverRegistry
	conversations *conversation.Manager
	logger        zerolog.Logger

	subID string

	mu            sync.Mutex
	totalEvents   int64
	totalErrors   int64
	totalOrphaned int64
	eventTypes    map[string]int64
	errorTypes    map[string]int64
	orphanedTypes map[string]int64
}

// New creates a processor. Call Attach to subscribe it to the bus.
func New(b bus.Bus, drivers *registry.DriverRegistry, conversations *conversation.Manager) *Processor {
	return &Processor{
		bus:           b,
		drivers:       drivers,
		conversations: conversations,
		logger:        log.WithComponent("processor"),
		eventTypes:    map[string]int64{},
		errorTypes:    map[string]int64{},
		orphanedTypes: map[string]int64{},
	}
}

// Attach subscribes the processor to every subject on the bus.
func (p *Processor) Attach() error {
	id, err := p.bus.Subscribe("*", p.Process)
	if err != nil {
		return fmt.Errorf("attach processor: %w", err)
	}
	p.subID = id
	p.logger.Info().Msg("Universal processor attached")
	return nil
}

// Detach removes the processor's subscription.
func (p *Processor) Detach() error {
	if p.subID == "" {
		return nil
	}
	return p.bus.Unsubscribe(p.subID)
}

// Process handles one event: route to drivers, collect outputs,
// republish. Returning an error parks the event in the bus dead-letter
// store.
func (p *Processor) Process(ctx context.Context, event *types.Event) error {
	p.countEvent(event.Type)
	metrics.ProcessorEventsTotal.WithLabelValues(event.Type).Inc()

	// Conversation ordering: stamp the turn before drivers see the
	// user event; verify assistant replies against their turn.
	if event.Type == ChatEventType {
		if _, ok := event.TurnNumber(); !ok {
			turn, history, err := p.conversations.ProcessUserEvent(event)
			if err != nil {
				p.countError(err)
				return fmt.Errorf("order chat event %s: %w", event.ID, err)
			}
			// Stamp a private copy; the original pointer is shared with
			// every other subscriber on this fan-out.
			event = event.Clone()
			event.WithMetadata(types.MetaTurnNumber, turn)
			event.Data["ordered_messages"] = historyToData(history)
		}
	}
	if event.Type == ChatResponseType {
		if turn, ok := event.TurnNumber(); ok {
			p.conversations.ProcessAssistantEvent(event, turn)
		}
	}

	routed := p.drivers.Route(event.Type)
	if len(routed) == 0 {
		// Orphan only when nobody else consumes the type either; the
		// processor's own wildcard subscription does not count.
		if p.bus.SubscriberCount(event.Type) <= 1 {
			p.bus.ParkOrphan(event, bus.ReasonNoDriverMatched)
			p.countOrphan(event.Type)
			eventLogger := log.ForEvent(p.logger, event)
			eventLogger.Debug().
				Msg("No driver matched, event parked as orphan")
		}
		return nil
	}

	var firstErr error
	var outputs []*types.Event
	for _, entry := range routed {
		out, err := p.invoke(ctx, entry, event)
		if err != nil {
			p.countError(err)
			eventLogger := log.ForEvent(p.logger, event)
			eventLogger.Error().Err(err).
				Str("driver_id", entry.Manifest.ID).
				Msg("Driver failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outputs = append(outputs, out...)
	}

	for _, out := range outputs {
		if out == nil {
			continue
		}
		if out.UserID == "" {
			out.UserID = event.UserID
		}
		if err := p.bus.Publish(ctx, out, ""); err != nil {
			p.countError(err)
			p.logger.Error().Err(err).Str("type", out.Type).Msg("Output publish failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return fmt.Errorf("process %s: %w", event.ID, firstErr)
	}
	return nil
}

// invoke runs one driver with its manifest timeout. Timeouts cancel the
// context cooperatively and surface as types.ErrTimeout.
func (p *Processor) invoke(ctx context.Context, entry *registry.DriverEntry, event *types.Event) ([]*types.Event, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DriverHandleDuration.WithLabelValues(entry.Manifest.ID))

	callCtx, cancel := context.WithTimeout(ctx, entry.Manifest.Timeout())
	defer cancel()

	type result struct {
		out []*types.Event
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: fmt.Errorf("driver panic: %v: %w", r, types.ErrDriverFailure)}
			}
		}()
		out, err := entry.Instance.Handle(callCtx, event)
		if err != nil && !errors.Is(err, types.ErrDriverFailure) {
			err = fmt.Errorf("%v: %w", err, types.ErrDriverFailure)
		}
		resCh <- result{out: out, err: err}
	}()

	select {
	case <-callCtx.Done():
		return nil, fmt.Errorf("driver %s: %w", entry.Manifest.ID, types.ErrTimeout)
	case res := <-resCh:
		return res.out, res.err
	}
}

func (p *Processor) countEvent(eventType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalEvents++
	p.eventTypes[eventType]++
}

func (p *Processor) countError(err error) {
	kind := types.ErrorKind(err)
	metrics.ProcessorErrorsTotal.WithLabelValues(kind).Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalErrors++
	p.errorTypes[kind]++
}

func (p *Processor) countOrphan(eventType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalOrphaned++
	p.orphanedTypes[eventType]++
}

// Metrics returns a snapshot of the processor counters.
func (p *Processor) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		TotalEvents:   p.totalEvents,
		TotalErrors:   p.totalErrors,
		TotalOrphaned: p.totalOrphaned,
		EventTypes:    make(map[string]int64, len(p.eventTypes)),
		ErrorTypes:    make(map[string]int64, len(p.errorTypes)),
		OrphanedTypes: make(map[string]int64, len(p.orphanedTypes)),
	}
	for k, v := range p.eventTypes {
		m.EventTypes[k] = v
	}
	for k, v := range p.errorTypes {
		m.ErrorTypes[k] = v
	}
	for k, v := range p.orphanedTypes {
		m.OrphanedTypes[k] = v
	}
	if p.totalEvents > 0 {
		m.ErrorRate = float64(p.totalErrors) / float64(p.totalEvents)
		m.OrphanRate = float64(p.totalOrphaned) / float64(p.totalEvents)
	}
	return m
}

// DrainOrphans evicts orphans older than the cutoff during the periodic
// sweep and returns the number drained.
func (p *Processor) DrainOrphans(olderThan time.Duration) int {
	return p.bus.DrainOrphanedEvents(nil, time.Now().UTC().Add(-olderThan))
}

func historyToData(history []conversation.Message) []any {
	out := make([]any, len(history))
	for i, msg := range history {
		out[i] = map[string]any{"role": msg.Role, "content": msg.Content}
	}
	return out
}
