package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority represents event delivery priority
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority parses a priority string. Unknown values map to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Reserved metadata keys recognized by the runtime
const (
	MetaSessionID      = "session_id"
	MetaCorrelationID  = "correlation_id"
	MetaRequestID      = "request_id"
	MetaTurnNumber     = "turn_number"
	MetaIdempotencyKey = "idempotency_key"
	MetaTTLSeconds     = "ttl_seconds"
	MetaPriority       = "priority"
	MetaSource         = "source"
	MetaUserID         = "user_id"
)

// Event is the canonical envelope moved through the bus. Events are
// immutable once published; mutation helpers return before publish.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

var idMu sync.Mutex
var idLastNano int64

// NewID returns a unique, lexicographically time-ordered event ID:
// zero-padded hex nanoseconds plus a random suffix. The nanosecond
// component is forced monotonic within this process.
func NewID() string {
	idMu.Lock()
	now := time.Now().UnixNano()
	if now <= idLastNano {
		now = idLastNano + 1
	}
	idLastNano = now
	idMu.Unlock()

	return fmt.Sprintf("%016x-%s", now, uuid.NewString()[:8])
}

// NewEvent creates an event with a fresh ID and UTC timestamp.
func NewEvent(eventType string, data map[string]any) *Event {
	return &Event{
		ID:        NewID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Metadata:  map[string]any{},
	}
}

// WithSource sets the event source.
func (e *Event) WithSource(source string) *Event {
	e.Source = source
	return e
}

// WithUserID sets the owning user.
func (e *Event) WithUserID(userID string) *Event {
	e.UserID = userID
	return e
}

// WithMetadata sets a metadata key.
func (e *Event) WithMetadata(key string, value any) *Event {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

func (e *Event) metaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (e *Event) metaInt(key string) (int, bool) {
	if e.Metadata == nil {
		return 0, false
	}
	switch v := e.Metadata[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// SessionID returns the session_id metadata entry, if any.
func (e *Event) SessionID() string { return e.metaString(MetaSessionID) }

// CorrelationID returns the correlation_id metadata entry, if any.
func (e *Event) CorrelationID() string { return e.metaString(MetaCorrelationID) }

// RequestID returns the request_id metadata entry, if any.
func (e *Event) RequestID() string { return e.metaString(MetaRequestID) }

// IdempotencyKey returns the explicit idempotency key, if any.
func (e *Event) IdempotencyKey() string { return e.metaString(MetaIdempotencyKey) }

// TurnNumber returns the conversation turn stamped on the event.
func (e *Event) TurnNumber() (int, bool) { return e.metaInt(MetaTurnNumber) }

// TTLSeconds returns the event TTL, or 0 when unset.
func (e *Event) TTLSeconds() int {
	n, ok := e.metaInt(MetaTTLSeconds)
	if !ok || n < 0 {
		return 0
	}
	return n
}

// Priority returns the event priority, defaulting to normal.
func (e *Event) Priority() Priority {
	return ParsePriority(e.metaString(MetaPriority))
}

// Expired reports whether the event TTL elapsed at the given instant.
// Events without a TTL never expire.
func (e *Event) Expired(now time.Time) bool {
	ttl := e.TTLSeconds()
	if ttl <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(time.Duration(ttl) * time.Second))
}

// DedupKey returns the key used for publish-time deduplication: the
// explicit idempotency key when present, otherwise a SHA-256 over the
// event type and the canonical encoding of its data.
func (e *Event) DedupKey() string {
	if key := e.IdempotencyKey(); key != "" {
		return key
	}
	sum := sha256.Sum256([]byte(e.Type + "\x00" + string(CanonicalJSON(e.Data))))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON encodes a value deterministically: object keys sorted
// lexicographically, no insignificant whitespace, UTF-8. Go's json
// encoder already sorts map keys, so a plain marshal is canonical for
// the map-shaped payloads the envelope carries.
func CanonicalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}

// Encode serializes the event for history, dead-letter and storage use.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an event envelope produced by Encode or accepted
// at an edge.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("decode event: %w: missing type", ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return &e, nil
}

// Clone returns a deep-enough copy for re-publish paths. Data values
// are shared; the maps themselves are copied.
func (e *Event) Clone() *Event {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// MatchSubject reports whether an event type matches a subject pattern.
// Patterns are dotted strings where "*" matches exactly one segment. The
// bare pattern "*" matches every subject; it is how the universal
// processor attaches to the whole bus.
func MatchSubject(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	pp := strings.Split(pattern, ".")
	tp := strings.Split(eventType, ".")
	if len(pp) != len(tp) {
		return false
	}
	for i, seg := range pp {
		if seg == "*" {
			continue
		}
		if seg != tp[i] {
			return false
		}
	}
	return true
}
