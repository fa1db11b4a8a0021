package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vextir/lightning/pkg/types"
)

// ApprovalPolicy gates tool invocation
type ApprovalPolicy string

const (
	ApprovalAuto   ApprovalPolicy = "auto"
	ApprovalManual ApprovalPolicy = "manual"
	ApprovalGuided ApprovalPolicy = "guided"
)

// ToolSpec is the runtime view of a registered tool.
type ToolSpec struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON schema
	Capability  string         `json:"capability,omitempty"`
	Approval    ApprovalPolicy `json:"approval,omitempty"`
	Sandbox     string         `json:"sandbox,omitempty"`
}

// PlannerTool is the reduced view exposed to planners: just the
// argument surface, no policies.
type PlannerTool struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

type toolEntry struct {
	spec   ToolSpec
	schema *jsonschema.Schema // compiled parameters, nil when none
}

type toolSnapshot struct {
	entries map[string]*toolEntry
}

// ToolRegistry holds tool specs with two views over the same data.
type ToolRegistry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[toolSnapshot]
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{}
	r.snapshot.Store(&toolSnapshot{entries: map[string]*toolEntry{}})
	return r
}

// Register validates and stores a tool spec. The parameter schema is
// compiled once at registration; invalid schemas are rejected.
func (r *ToolRegistry) Register(spec ToolSpec) error {
	if spec.ID == "" || spec.Name == "" {
		return fmt.Errorf("register tool: %w: id and name required", types.ErrInvalidInput)
	}
	if spec.Approval == "" {
		spec.Approval = ApprovalAuto
	}

	var compiled *jsonschema.Schema
	if spec.Parameters != nil {
		raw, err := json.Marshal(spec.Parameters)
		if err != nil {
			return fmt.Errorf("register tool %s: %w: %v", spec.ID, types.ErrInvalidInput, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("register tool %s: %w: %v", spec.ID, types.ErrInvalidInput, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(spec.ID+".json", doc); err != nil {
			return fmt.Errorf("register tool %s: %w: %v", spec.ID, types.ErrInvalidInput, err)
		}
		compiled, err = compiler.Compile(spec.ID + ".json")
		if err != nil {
			return fmt.Errorf("register tool %s: compile schema: %w", spec.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot.Load()
	if _, exists := cur.entries[spec.ID]; exists {
		return fmt.Errorf("register tool %s: %w", spec.ID, types.ErrConflict)
	}
	next := &toolSnapshot{entries: make(map[string]*toolEntry, len(cur.entries)+1)}
	for id, e := range cur.entries {
		next.entries[id] = e
	}
	next.entries[spec.ID] = &toolEntry{spec: spec, schema: compiled}
	r.snapshot.Store(next)
	return nil
}

// Unregister removes a tool. Idempotent.
func (r *ToolRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot.Load()
	if _, exists := cur.entries[id]; !exists {
		return
	}
	next := &toolSnapshot{entries: make(map[string]*toolEntry, len(cur.entries))}
	for tid, e := range cur.entries {
		if tid != id {
			next.entries[tid] = e
		}
	}
	r.snapshot.Store(next)
}

// Get returns the full runtime spec by id.
func (r *ToolRegistry) Get(id string) (ToolSpec, error) {
	entry, ok := r.snapshot.Load().entries[id]
	if !ok {
		return ToolSpec{}, fmt.Errorf("tool %s: %w", id, types.ErrNotFound)
	}
	return entry.spec, nil
}

// ByCapability returns all tools tagged with the capability.
func (r *ToolRegistry) ByCapability(capability string) []ToolSpec {
	var out []ToolSpec
	for _, entry := range r.snapshot.Load().entries {
		if entry.spec.Capability == capability {
			out = append(out, entry.spec)
		}
	}
	return out
}

// List returns all runtime specs.
func (r *ToolRegistry) List() []ToolSpec {
	entries := r.snapshot.Load().entries
	out := make([]ToolSpec, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.spec)
	}
	return out
}

// PlannerView exposes only the argument surface of every tool.
func (r *ToolRegistry) PlannerView() []PlannerTool {
	entries := r.snapshot.Load().entries
	out := make([]PlannerTool, 0, len(entries))
	for _, entry := range entries {
		out = append(out, PlannerTool{
			ID:     entry.spec.ID,
			Name:   entry.spec.Name,
			Inputs: entry.spec.Parameters,
		})
	}
	return out
}

// ValidateArgs checks tool arguments against the compiled parameter
// schema. Tools without a schema accept anything.
func (r *ToolRegistry) ValidateArgs(id string, args map[string]any) error {
	entry, ok := r.snapshot.Load().entries[id]
	if !ok {
		return fmt.Errorf("tool %s: %w", id, types.ErrNotFound)
	}
	if entry.schema == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees canonical types.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tool %s args: %w: %v", id, types.ErrInvalidInput, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("tool %s args: %w: %v", id, types.ErrInvalidInput, err)
	}
	if err := entry.schema.Validate(doc); err != nil {
		return fmt.Errorf("tool %s args: %w: %v", id, types.ErrInvalidInput, err)
	}
	return nil
}
