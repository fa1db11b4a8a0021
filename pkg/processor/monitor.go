package processor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/bus"
	"github.com/vextir/lightning/pkg/log"
)

// HealthReport is the monitor's overall view of event processing.
type HealthReport struct {
	Status         string    `json:"status"` // healthy, degraded, unhealthy
	HealthScore    int       `json:"health_score"`
	Metrics        Metrics   `json:"metrics"`
	OrphanedCount  int       `json:"orphaned_event_count"`
	DeadLetterSize int       `json:"dead_letter_count"`
	Timestamp      time.Time `json:"timestamp"`
}

// OrphanTypeSummary aggregates orphans of one event type.
type OrphanTypeSummary struct {
	EventType string    `json:"event_type"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	SampleIDs []string  `json:"sample_ids"`
}

// OrphanSummary is the monitor's orphan report with a recommendation.
type OrphanSummary struct {
	TotalCount     int                 `json:"total_count"`
	ByEventType    []OrphanTypeSummary `json:"by_event_type"`
	Recommendation string              `json:"recommendation"`
}

// TypeCount is a (name, count) pair for top-N reports.
type TypeCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Monitor derives periodic health reports from the processor and the
// bus inspection surfaces.
type Monitor struct {
	processor *Processor
	bus       bus.Bus
	logger    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor over a processor and its bus.
func NewMonitor(p *Processor, b bus.Bus) *Monitor {
	return &Monitor{
		processor: p,
		bus:       b,
		logger:    log.WithComponent("event-monitor"),
		stopCh:    make(chan struct{}),
	}
}

// Health computes the weighted 0-100 health score: high error rates
// cost up to 30 points, high orphan rates up to 40, and a loaded
// dead-letter store up to 20.
func (m *Monitor) Health() HealthReport {
	metrics := m.processor.Metrics()
	orphaned := m.bus.OrphanedEvents(0)
	deadLetters := m.bus.DeadLetterEvents(0)

	score := 100
	if metrics.ErrorRate > 0.1 {
		penalty := int(metrics.ErrorRate * 100)
		if penalty > 30 {
			penalty = 30
		}
		score -= penalty
	}
	if metrics.OrphanRate > 0.2 {
		penalty := int(metrics.OrphanRate * 100)
		if penalty > 40 {
			penalty = 40
		}
		score -= penalty
	}
	switch {
	case len(deadLetters) > 50:
		score -= 20
	case len(deadLetters) > 10:
		score -= 10
	}

	status := "healthy"
	switch {
	case score < 50:
		status = "unhealthy"
	case score < 80:
		status = "degraded"
	}

	return HealthReport{
		Status:         status,
		HealthScore:    score,
		Metrics:        metrics,
		OrphanedCount:  len(orphaned),
		DeadLetterSize: len(deadLetters),
		Timestamp:      time.Now().UTC(),
	}
}

// Orphans summarizes parked orphans grouped by event type.
func (m *Monitor) Orphans() OrphanSummary {
	records := m.bus.OrphanedEvents(0)

	byType := map[string]*OrphanTypeSummary{}
	for _, rec := range records {
		s, ok := byType[rec.Event.Type]
		if !ok {
			s = &OrphanTypeSummary{
				EventType: rec.Event.Type,
				FirstSeen: rec.Event.Timestamp,
				LastSeen:  rec.Event.Timestamp,
			}
			byType[rec.Event.Type] = s
		}
		s.Count++
		if rec.Event.Timestamp.After(s.LastSeen) {
			s.LastSeen = rec.Event.Timestamp
		}
		if rec.Event.Timestamp.Before(s.FirstSeen) {
			s.FirstSeen = rec.Event.Timestamp
		}
		if len(s.SampleIDs) < 5 {
			s.SampleIDs = append(s.SampleIDs, rec.Event.ID)
		}
	}

	summary := OrphanSummary{TotalCount: len(records)}
	for _, s := range byType {
		summary.ByEventType = append(summary.ByEventType, *s)
	}
	sort.Slice(summary.ByEventType, func(i, j int) bool {
		return summary.ByEventType[i].Count > summary.ByEventType[j].Count
	})
	summary.Recommendation = recommendation(summary.ByEventType)
	return summary
}

func recommendation(byType []OrphanTypeSummary) string {
	if len(byType) == 0 {
		return "No orphaned events detected. System is healthy."
	}
	var advice []string
	for _, s := range byType {
		if s.Count > 100 {
			advice = append(advice, fmt.Sprintf(
				"High volume of orphaned %q events (%d). Consider registering a driver or subscriber for this event type.",
				s.EventType, s.Count))
		} else if s.Count > 10 {
			advice = append(advice, fmt.Sprintf(
				"Moderate orphaned %q events (%d). Review whether this event type is still needed.",
				s.EventType, s.Count))
		}
	}
	if len(advice) == 0 {
		return "Low volume of orphaned events. Consider periodic cleanup."
	}
	out := advice[0]
	for _, a := range advice[1:] {
		out += " " + a
	}
	return out
}

// TopErrorTypes returns the top-n error kinds by count.
func (m *Monitor) TopErrorTypes(n int) []TypeCount {
	return topN(m.processor.Metrics().ErrorTypes, n)
}

// TopEventTypes returns the top-n event types by count.
func (m *Monitor) TopEventTypes(n int) []TypeCount {
	return topN(m.processor.Metrics().EventTypes, n)
}

// TopOrphanedTypes returns the top-n orphaned types by count.
func (m *Monitor) TopOrphanedTypes(n int) []TypeCount {
	return topN(m.processor.Metrics().OrphanedTypes, n)
}

func topN(counts map[string]int64, n int) []TypeCount {
	out := make([]TypeCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, TypeCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Start launches the periodic report loop.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.wg.Add(1)
	go m.loop(interval)
}

// Stop halts the report loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.report()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) report() {
	health := m.Health()
	event := m.logger.Info()
	switch health.Status {
	case "unhealthy":
		event = m.logger.Error()
	case "degraded":
		event = m.logger.Warn()
	}
	event.
		Int("health_score", health.HealthScore).
		Int64("total_events", health.Metrics.TotalEvents).
		Float64("error_rate", health.Metrics.ErrorRate).
		Float64("orphan_rate", health.Metrics.OrphanRate).
		Int("orphaned", health.OrphanedCount).
		Int("dead_letters", health.DeadLetterSize).
		Msg("Event processing report")

	orphans := m.Orphans()
	if orphans.TotalCount > 100 {
		m.logger.Warn().
			Int("orphaned", orphans.TotalCount).
			Str("recommendation", orphans.Recommendation).
			Msg("High orphaned event count")
	}
}
