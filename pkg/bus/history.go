package bus

import (
	"sync"
	"time"

	"github.com/vextir/lightning/pkg/types"
)

// historyEntry retains a published event with its topic for replay.
type historyEntry struct {
	event    *types.Event
	topic    string
	recorded time.Time
}

// historyRing is a bounded ring of recently published events with a
// retention window. Replay reads are snapshots; the ring itself only
// ever grows forward.
type historyRing struct {
	mu        sync.Mutex
	limit     int
	retention time.Duration
	entries   []historyEntry
}

func newHistoryRing(limit int, retention time.Duration) *historyRing {
	return &historyRing{limit: limit, retention: retention}
}

func (h *historyRing) append(event *types.Event, topic string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.expire(now)
	if len(h.entries) >= h.limit {
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, historyEntry{
		event:    event.Clone(),
		topic:    topic,
		recorded: now,
	})
}

func (h *historyRing) expire(now time.Time) {
	if h.retention <= 0 {
		return
	}
	cutoff := now.Add(-h.retention)
	i := 0
	for i < len(h.entries) && h.entries[i].recorded.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.entries = h.entries[i:]
	}
}

// replay returns events within [start, end], optionally filtered by
// topic and event types. A zero end means "now".
func (h *historyRing) replay(start, end time.Time, topic string, eventTypes []string) []*types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.expire(time.Now().UTC())

	typeSet := map[string]bool{}
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	var out []*types.Event
	for _, entry := range h.entries {
		ts := entry.event.Timestamp
		if ts.Before(start) {
			continue
		}
		if !end.IsZero() && ts.After(end) {
			continue
		}
		if topic != "" && entry.topic != topic {
			continue
		}
		if len(typeSet) > 0 && !typeSet[entry.event.Type] {
			continue
		}
		out = append(out, entry.event.Clone())
	}
	return out
}

// byCorrelation returns retained events carrying the correlation id, or
// the whole retained window when the id is empty.
func (h *historyRing) byCorrelation(correlationID string) []*types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.expire(time.Now().UTC())

	var out []*types.Event
	for _, entry := range h.entries {
		if correlationID != "" && entry.event.CorrelationID() != correlationID {
			continue
		}
		out = append(out, entry.event.Clone())
	}
	return out
}

func (h *historyRing) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
