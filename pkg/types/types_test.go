package types

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDTimeOrdered(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewID()
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	assert.Equal(t, sorted, ids, "ids must be lexicographically time-ordered")

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "id %s reused", id)
		seen[id] = true
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"llm.chat", "llm.chat", true},
		{"llm.chat", "llm.chat.response", false},
		{"llm.*", "llm.chat", true},
		{"llm.*", "llm.chat.response", false},
		{"test.wildcard.*", "test.wildcard.specific", true},
		{"test.wildcard.*", "test.wildcard", false},
		{"*.chat", "llm.chat", true},
		{"*", "anything.at.all", true},
		{"*", "single", true},
		{"a.b", "a.c", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchSubject(tt.pattern, tt.eventType))
		})
	}
}

func TestDedupKeyDeterministic(t *testing.T) {
	// Same logical payload built in different insertion orders must
	// canonicalize identically.
	a := NewEvent("test.event", map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": "z", "x": "w"}})
	b := NewEvent("test.event", map[string]any{"nested": map[string]any{"x": "w", "y": "z"}, "a": 1, "b": 2})

	assert.Equal(t, a.DedupKey(), b.DedupKey())
	assert.NotEqual(t, a.DedupKey(), NewEvent("test.event", map[string]any{"a": 2}).DedupKey())
	assert.NotEqual(t, a.DedupKey(), NewEvent("test.other", a.Data).DedupKey())
}

func TestDedupKeyExplicitIdempotency(t *testing.T) {
	e := NewEvent("test.event", map[string]any{"v": 1})
	e.WithMetadata(MetaIdempotencyKey, "explicit-key")
	assert.Equal(t, "explicit-key", e.DedupKey())
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out := CanonicalJSON(map[string]any{"z": 1, "a": 2, "m": 3})
	assert.Equal(t, `{"a":2,"m":3,"z":1}`, string(out))
}

func TestExpired(t *testing.T) {
	e := NewEvent("test.event", nil)
	e.Timestamp = time.Now().UTC().Add(-10 * time.Second)

	assert.False(t, e.Expired(time.Now()), "no TTL means never expired")

	e.WithMetadata(MetaTTLSeconds, 5)
	assert.True(t, e.Expired(time.Now()))

	e.WithMetadata(MetaTTLSeconds, 60)
	assert.False(t, e.Expired(time.Now()))
}

func TestMetadataAccessors(t *testing.T) {
	e := NewEvent("llm.chat", nil)
	e.WithMetadata(MetaSessionID, "s1")
	e.WithMetadata(MetaRequestID, "r1")
	e.WithMetadata(MetaTurnNumber, 3)
	e.WithMetadata(MetaPriority, "critical")

	assert.Equal(t, "s1", e.SessionID())
	assert.Equal(t, "r1", e.RequestID())
	turn, ok := e.TurnNumber()
	require.True(t, ok)
	assert.Equal(t, 3, turn)
	assert.Equal(t, PriorityCritical, e.Priority())

	// Unset accessors.
	assert.Equal(t, "", e.CorrelationID())
	_, ok = NewEvent("x", nil).TurnNumber()
	assert.False(t, ok)
	assert.Equal(t, PriorityNormal, NewEvent("x", nil).Priority())
}

func TestTurnNumberSurvivesJSONRoundTrip(t *testing.T) {
	e := NewEvent("llm.chat", map[string]any{"v": 1})
	e.WithMetadata(MetaTurnNumber, 7)

	raw, err := e.Encode()
	require.NoError(t, err)
	decoded, err := DecodeEvent(raw)
	require.NoError(t, err)

	turn, ok := decoded.TurnNumber()
	require.True(t, ok, "turn_number must survive the float64 round trip")
	assert.Equal(t, 7, turn)
}

func TestDecodeEvent(t *testing.T) {
	t.Run("valid envelope", func(t *testing.T) {
		raw := []byte(`{"id":"e1","type":"llm.chat","timestamp":"2026-01-12T08:30:00Z","user_id":"u1","data":{"k":"v"}}`)
		e, err := DecodeEvent(raw)
		require.NoError(t, err)
		assert.Equal(t, "e1", e.ID)
		assert.Equal(t, "llm.chat", e.Type)
		assert.Equal(t, "u1", e.UserID)
	})

	t.Run("missing type rejected", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"id":"e1"}`))
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("missing id and timestamp filled", func(t *testing.T) {
		e, err := DecodeEvent([]byte(`{"type":"test.event"}`))
		require.NoError(t, err)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{{{`))
		assert.Error(t, err)
	})
}

func TestEncodeRoundTrip(t *testing.T) {
	e := NewEvent("test.roundtrip", map[string]any{"n": float64(42), "s": "text"})
	e.WithSource("test").WithUserID("u1")
	e.WithMetadata(MetaCorrelationID, "c1")

	raw, err := e.Encode()
	require.NoError(t, err)
	decoded, err := DecodeEvent(raw)
	require.NoError(t, err)

	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, e.UserID, decoded.UserID)
	assert.Equal(t, e.Data, decoded.Data)
	assert.Equal(t, "c1", decoded.CorrelationID())
	assert.True(t, e.Timestamp.Equal(decoded.Timestamp))
}

func TestCloneIndependence(t *testing.T) {
	e := NewEvent("test.clone", map[string]any{"k": "v"})
	c := e.Clone()
	c.Data["k"] = "changed"
	c.Metadata["extra"] = true

	assert.Equal(t, "v", e.Data["k"])
	_, ok := e.Metadata["extra"]
	assert.False(t, ok)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidInput, "invalid_input"},
		{ErrNotFound, "not_found"},
		{ErrConflict, "conflict"},
		{ErrCircuitOpen, "circuit_open"},
		{ErrBusUnavailable, "bus_unavailable"},
		{ErrBusFull, "bus_full"},
		{ErrDriverFailure, "driver_failure"},
		{ErrTimeout, "timeout"},
		{ErrTTLExpired, "ttl_expired"},
		{errors.New("anything else"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err))
	}
	// Wrapped errors classify the same way.
	assert.Equal(t, "timeout", ErrorKind(errWrap(ErrTimeout)))
	assert.Equal(t, "", ErrorKind(nil))
}

func errWrap(err error) error {
	return &wrapErr{err}
}

type wrapErr struct{ inner error }

func (w *wrapErr) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrapErr) Unwrap() error { return w.inner }

func TestParsePriorityOrdinal(t *testing.T) {
	assert.True(t, PriorityLow < PriorityNormal)
	assert.True(t, PriorityNormal < PriorityHigh)
	assert.True(t, PriorityHigh < PriorityCritical)
	assert.Equal(t, PriorityNormal, ParsePriority("bogus"))
	assert.Equal(t, "high", PriorityHigh.String())
}
