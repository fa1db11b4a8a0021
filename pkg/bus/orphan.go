package bus

import (
	"sync"
	"time"

	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/types"
)

// Orphan reason codes
const (
	ReasonNoSubscribers   = "no_subscribers"
	ReasonNoDriverMatched = "no_driver_matched"
	ReasonTTLExpired      = "ttl_expired"
)

// OrphanRecord is an event that had no consumer at publish time.
type OrphanRecord struct {
	Event    *types.Event `json:"event"`
	Reason   string       `json:"reason"`
	ParkedAt time.Time    `json:"parked_at"`
}

// orphanStore is a bounded FIFO ring of orphan records. When full, the
// oldest record is evicted and counted.
type orphanStore struct {
	mu      sync.Mutex
	limit   int
	records []*OrphanRecord
}

func newOrphanStore(limit int) *orphanStore {
	return &orphanStore{limit: limit}
}

func (s *orphanStore) park(event *types.Event, reason string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) >= s.limit {
		s.records = s.records[1:]
		metrics.OrphanEvictionsTotal.Inc()
	}
	s.records = append(s.records, &OrphanRecord{
		Event:    event,
		Reason:   reason,
		ParkedAt: now,
	})
}

func (s *orphanStore) list(max int) []*OrphanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.records)
	if max > 0 && n > max {
		n = max
	}
	out := make([]*OrphanRecord, n)
	copy(out, s.records[:n])
	return out
}

func (s *orphanStore) drain(eventTypes []string, before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	typeSet := map[string]bool{}
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	kept := s.records[:0]
	drained := 0
	for _, rec := range s.records {
		match := len(typeSet) == 0 || typeSet[rec.Event.Type]
		if match && (before.IsZero() || rec.ParkedAt.Before(before)) {
			drained++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return drained
}

func (s *orphanStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
