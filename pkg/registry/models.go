package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/driver"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/storage"
	"github.com/vextir/lightning/pkg/types"
)

// Model capabilities
const (
	CapChat       = "chat"
	CapEmbeddings = "embeddings"
	CapToolUse    = "tool-use"
)

// UsageStats aggregates the ledger for one user (or all users).
type UsageStats struct {
	UserID          string             `json:"user_id,omitempty"`
	TotalRequests   int                `json:"total_requests"`
	TotalTokens     int                `json:"total_tokens"`
	TotalCost       float64            `json:"total_cost"`
	RequestsByModel map[string]int     `json:"requests_by_model"`
	TokensByModel   map[string]int     `json:"tokens_by_model"`
	CostByModel     map[string]float64 `json:"cost_by_model"`
}

type modelSnapshot struct {
	models map[string]driver.ModelSpec
}

// ModelRegistry keeps the model catalog and the usage ledger. The
// catalog is copy-on-write; the ledger persists through the document
// store when one is attached.
type ModelRegistry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[modelSnapshot]
	logger   zerolog.Logger

	store storage.Store // optional; nil keeps the ledger in memory only

	ledgerMu sync.Mutex
	ledger   []driver.UsageRecord
}

// defaultCatalog seeds common model ids with costs per 1k tokens.
func defaultCatalog() []driver.ModelSpec {
	return []driver.ModelSpec{
		{
			ID: "gpt-4o", Provider: "openai",
			Capabilities:    []string{CapChat, CapToolUse},
			InputCostPer1K:  0.0025, OutputCostPer1K: 0.01,
			ContextWindow: 128000, MaxOutputTokens: 16384,
		},
		{
			ID: "gpt-4o-mini", Provider: "openai",
			Capabilities:    []string{CapChat, CapToolUse},
			InputCostPer1K:  0.00015, OutputCostPer1K: 0.0006,
			ContextWindow: 128000, MaxOutputTokens: 16384,
		},
		{
			ID: "gpt-3.5-turbo", Provider: "openai",
			Capabilities:    []string{CapChat},
			InputCostPer1K:  0.0005, OutputCostPer1K: 0.0015,
			ContextWindow: 16385, MaxOutputTokens: 4096,
		},
		{
			ID: "claude-3-5-sonnet", Provider: "anthropic",
			Capabilities:    []string{CapChat, CapToolUse},
			InputCostPer1K:  0.003, OutputCostPer1K: 0.015,
			ContextWindow: 200000, MaxOutputTokens: 8192,
		},
		{
			ID: "claude-3-haiku", Provider: "anthropic",
			Capabilities:    []string{CapChat},
			InputCostPer1K:  0.00025, OutputCostPer1K: 0.00125,
			ContextWindow: 200000, MaxOutputTokens: 4096,
		},
		{
			ID: "text-embedding-3-small", Provider: "openai",
			Capabilities:    []string{CapEmbeddings},
			InputCostPer1K:  0.00002, OutputCostPer1K: 0,
			ContextWindow: 8191,
		},
	}
}

// NewModelRegistry creates a registry seeded with the default catalog.
// The store is optional and enables ledger persistence in the "usage"
// container.
func NewModelRegistry(store storage.Store) *ModelRegistry {
	r := &ModelRegistry{
		logger: log.WithComponent("model-registry"),
		store:  store,
	}
	models := map[string]driver.ModelSpec{}
	for _, m := range defaultCatalog() {
		models[m.ID] = m
	}
	r.snapshot.Store(&modelSnapshot{models: models})
	return r
}

// Register adds or replaces a model spec.
func (r *ModelRegistry) Register(spec driver.ModelSpec) error {
	if spec.ID == "" || spec.Provider == "" {
		return fmt.Errorf("register model: %w: id and provider required", types.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot.Load()
	next := &modelSnapshot{models: make(map[string]driver.ModelSpec, len(cur.models)+1)}
	for id, m := range cur.models {
		next.models[id] = m
	}
	next.models[spec.ID] = spec
	r.snapshot.Store(next)
	return nil
}

// Get returns a model spec by id.
func (r *ModelRegistry) Get(id string) (driver.ModelSpec, error) {
	m, ok := r.snapshot.Load().models[id]
	if !ok {
		return driver.ModelSpec{}, fmt.Errorf("model %s: %w", id, types.ErrNotFound)
	}
	return m, nil
}

// List returns models, optionally filtered by provider and capability.
func (r *ModelRegistry) List(provider, capability string) []driver.ModelSpec {
	var out []driver.ModelSpec
	for _, m := range r.snapshot.Load().models {
		if provider != "" && m.Provider != provider {
			continue
		}
		if capability != "" && !hasCapability(m, capability) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Cheapest returns the model with the lowest summed input+output cost
// per 1k tokens among those declaring the capability.
func (r *ModelRegistry) Cheapest(capability string) (driver.ModelSpec, error) {
	var best driver.ModelSpec
	found := false
	for _, m := range r.snapshot.Load().models {
		if !hasCapability(m, capability) {
			continue
		}
		cost := m.InputCostPer1K + m.OutputCostPer1K
		if !found || cost < best.InputCostPer1K+best.OutputCostPer1K {
			best = m
			found = true
		}
	}
	if !found {
		return driver.ModelSpec{}, fmt.Errorf("no model with capability %s: %w", capability, types.ErrNotFound)
	}
	return best, nil
}

func hasCapability(m driver.ModelSpec, capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// TrackUsage appends a record to the ledger and persists it when a
// store is attached. The ledger partition is the user; the day is part
// of the document id so per-day aggregation stays a prefix query.
func (r *ModelRegistry) TrackUsage(record driver.UsageRecord) error {
	if record.ModelID == "" {
		return fmt.Errorf("track usage: %w: model_id required", types.ErrInvalidInput)
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.Cost == 0 {
		if m, err := r.Get(record.ModelID); err == nil {
			record.Cost = m.CostFor(record.PromptTokens, record.CompletionTokens)
		}
	}

	r.ledgerMu.Lock()
	r.ledger = append(r.ledger, record)
	r.ledgerMu.Unlock()

	metrics.ModelUsageCostTotal.WithLabelValues(record.ModelID).Add(record.Cost)

	if r.store != nil {
		day := record.Timestamp.Format("2006-01-02")
		doc := &storage.Document{
			ID:           day + "/" + record.ModelID + "/" + uuid.NewString(),
			PartitionKey: record.UserID,
			Attributes: map[string]any{
				"model_id":          record.ModelID,
				"timestamp":         record.Timestamp.Format(time.RFC3339),
				"prompt_tokens":     record.PromptTokens,
				"completion_tokens": record.CompletionTokens,
				"total_tokens":      record.TotalTokens(),
				"cost":              record.Cost,
				"request_id":        record.RequestID,
			},
		}
		if err := r.store.Create(context.Background(), storage.ContainerUsage, doc); err != nil {
			r.logger.Warn().Err(err).Str("model", record.ModelID).Msg("Usage ledger persistence failed")
		}
	}
	return nil
}

// UsageStats aggregates the in-memory ledger, scoped to a user when
// userID is non-empty.
func (r *ModelRegistry) UsageStats(userID string) UsageStats {
	r.ledgerMu.Lock()
	defer r.ledgerMu.Unlock()

	stats := UsageStats{
		UserID:          userID,
		RequestsByModel: map[string]int{},
		TokensByModel:   map[string]int{},
		CostByModel:     map[string]float64{},
	}
	for _, rec := range r.ledger {
		if userID != "" && rec.UserID != userID {
			continue
		}
		stats.TotalRequests++
		stats.TotalTokens += rec.TotalTokens()
		stats.TotalCost += rec.Cost
		stats.RequestsByModel[rec.ModelID]++
		stats.TokensByModel[rec.ModelID] += rec.TotalTokens()
		stats.CostByModel[rec.ModelID] += rec.Cost
	}
	return stats
}
