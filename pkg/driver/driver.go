package driver

import (
	"context"
	"time"

	"github.com/vextir/lightning/pkg/types"
)

// Kind classifies a driver by role
type Kind string

const (
	KindAgent         Kind = "agent"
	KindTool          Kind = "tool"
	KindConnector     Kind = "connector"
	KindScheduler     Kind = "scheduler"
	KindStorage       Kind = "storage"
	KindAuthenticator Kind = "authenticator"
	KindPlanner       Kind = "planner"
)

// Status tracks a driver instance through its lifecycle
type Status string

const (
	StatusRegistered  Status = "registered"
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
	StatusFailed      Status = "failed"
)

// ResourceSpec bounds a driver's execution
type ResourceSpec struct {
	MemoryMB int           `json:"memory_mb"`
	Timeout  time.Duration `json:"timeout"`
}

// DefaultTimeout applies when a manifest leaves Timeout unset.
const DefaultTimeout = 300 * time.Second

// Manifest declares a driver's identity and capabilities
type Manifest struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Author       string       `json:"author,omitempty"`
	Description  string       `json:"description,omitempty"`
	Kind         Kind         `json:"kind"`
	Capabilities []string     `json:"capabilities"`
	Resources    ResourceSpec `json:"resources"`

	// Required aborts InitializeAll when this driver fails to come up.
	Required bool `json:"required,omitempty"`

	// Priority breaks ties between drivers matching at the same
	// capability depth; higher wins.
	Priority int `json:"priority,omitempty"`
}

// Timeout returns the manifest timeout or the default.
func (m Manifest) Timeout() time.Duration {
	if m.Resources.Timeout > 0 {
		return m.Resources.Timeout
	}
	return DefaultTimeout
}

// HandlesType reports the length of the longest declared capability
// prefix matching the event type, or -1 when none match. "llm.chat.tool"
// matches capability "llm.chat" at depth 2 and "llm.chat.tool" at depth 3.
func (m Manifest) HandlesType(eventType string) int {
	best := -1
	for _, cap := range m.Capabilities {
		depth := capabilityDepth(cap, eventType)
		if depth > best {
			best = depth
		}
	}
	return best
}

func capabilityDepth(capability, eventType string) int {
	if capability == eventType {
		return len(splitDots(eventType))
	}
	if capability == "*" {
		return 0
	}
	// Prefix match on segment boundary: "llm.chat" covers "llm.chat.tool".
	if len(eventType) > len(capability) &&
		eventType[:len(capability)] == capability &&
		eventType[len(capability)] == '.' {
		return len(splitDots(capability))
	}
	// Wildcard capabilities use subject semantics.
	if types.MatchSubject(capability, eventType) {
		return len(splitDots(capability))
	}
	return -1
}

func splitDots(s string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return parts
}

// Runtime is the handle a driver receives at initialization. It is the
// only path from a driver back into the runtime; drivers never hold the
// registry directly.
type Runtime interface {
	// Emit publishes an event produced outside a Handle call (timer
	// ticks, external callbacks).
	Emit(ctx context.Context, event *types.Event) error

	// Store returns the runtime's document store.
	Store() Storage

	// Model returns a model spec by id through the model registry.
	Model(id string) (ModelSpec, error)

	// TrackUsage records model token usage for accounting.
	TrackUsage(record UsageRecord) error
}

// Storage is the narrow storage surface exposed to drivers.
type Storage interface {
	EnsureContainer(ctx context.Context, name string) error
	CreateDocument(ctx context.Context, container, id, partitionKey string, attrs map[string]any) error
	GetDocument(ctx context.Context, container, id, partitionKey string) (map[string]any, error)
	DeleteDocument(ctx context.Context, container, id, partitionKey string) error
	QueryDocuments(ctx context.Context, container string, equals map[string]any, partitionKey string) ([]map[string]any, error)
}

// ModelSpec mirrors the model registry entry drivers consult.
type ModelSpec struct {
	ID              string   `json:"id"`
	Provider        string   `json:"provider"`
	Endpoint        string   `json:"endpoint,omitempty"`
	Capabilities    []string `json:"capabilities"`
	InputCostPer1K  float64  `json:"input_cost_per_1k"`
	OutputCostPer1K float64  `json:"output_cost_per_1k"`
	ContextWindow   int      `json:"context_window"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`
}

// CostFor returns the dollar cost of a request against this model.
func (m ModelSpec) CostFor(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*m.InputCostPer1K +
		float64(completionTokens)/1000*m.OutputCostPer1K
}

// UsageRecord is one model invocation for the usage ledger.
type UsageRecord struct {
	UserID           string    `json:"user_id"`
	ModelID          string    `json:"model_id"`
	Timestamp        time.Time `json:"timestamp"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	RequestID        string    `json:"request_id,omitempty"`
}

// TotalTokens returns prompt plus completion tokens.
func (r UsageRecord) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Driver is the contract every registered driver implements. Drivers
// are long-lived, shared, and must be safe for concurrent Handle calls.
type Driver interface {
	Manifest() Manifest
	Initialize(ctx context.Context, rt Runtime) error
	Handle(ctx context.Context, event *types.Event) ([]*types.Event, error)
	Shutdown(ctx context.Context) error
}

// Constructor builds a driver instance at registration time.
type Constructor func() (Driver, error)
