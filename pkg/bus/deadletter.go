package bus

import (
	"sync"
	"time"

	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/types"
)

// DeadLetterRecord is an event whose handler failed, keyed by
// (subject, event id) with a bounded TTL.
type DeadLetterRecord struct {
	ID       string       `json:"id"` // subject + event id
	Subject  string       `json:"subject"`
	Topic    string       `json:"topic,omitempty"`
	Event    *types.Event `json:"event"`
	Error    string       `json:"error"`
	Kind     string       `json:"kind"`
	ParkedAt time.Time    `json:"parked_at"`
	Expires  time.Time    `json:"expires"`
}

// deadLetterStore is a bounded FIFO store of failed deliveries. Entries
// expire after the configured TTL (24h by default); when the store is
// full, the oldest entry is evicted and counted.
type deadLetterStore struct {
	mu      sync.Mutex
	limit   int
	ttl     time.Duration
	order   []string
	records map[string]*DeadLetterRecord
}

func newDeadLetterStore(limit int, ttl time.Duration) *deadLetterStore {
	return &deadLetterStore{
		limit:   limit,
		ttl:     ttl,
		records: make(map[string]*DeadLetterRecord),
	}
}

func dlqID(subject, eventID string) string {
	return subject + "/" + eventID
}

func (s *deadLetterStore) park(subject string, event *types.Event, err error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(now)

	id := dlqID(subject, event.ID)
	if _, exists := s.records[id]; exists {
		// Already parked for this subject; keep the first failure.
		return
	}

	if len(s.order) >= s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.records, oldest)
		metrics.DeadLetterEvictionsTotal.Inc()
	}

	s.records[id] = &DeadLetterRecord{
		ID:       id,
		Subject:  subject,
		Event:    event.Clone(),
		Error:    err.Error(),
		Kind:     types.ErrorKind(err),
		ParkedAt: now,
		Expires:  now.Add(s.ttl),
	}
	s.order = append(s.order, id)
	metrics.DeadLetterSize.Set(float64(len(s.order)))
}

func (s *deadLetterStore) prune(now time.Time) {
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.records[id]
		if rec == nil {
			continue
		}
		if now.After(rec.Expires) {
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	metrics.DeadLetterSize.Set(float64(len(s.order)))
}

func (s *deadLetterStore) list(max int) []*DeadLetterRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(time.Now().UTC())

	n := len(s.order)
	if max > 0 && n > max {
		n = max
	}
	out := make([]*DeadLetterRecord, 0, n)
	for _, id := range s.order[:n] {
		out = append(out, s.records[id])
	}
	return out
}

// take removes and returns a record for one-shot reprocessing.
func (s *deadLetterStore) take(id string) (*DeadLetterRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(time.Now().UTC())

	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	delete(s.records, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	metrics.DeadLetterSize.Set(float64(len(s.order)))
	return rec, true
}

func (s *deadLetterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
