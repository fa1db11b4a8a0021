package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning/pkg/driver"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/types"
)

func init() {
	log.Init(log.Options{Level: "error"})
}

// fakeDriver is a minimal Driver for registry tests.
type fakeDriver struct {
	manifest driver.Manifest
	initErr  error
	handled  int
}

func (d *fakeDriver) Manifest() driver.Manifest { return d.manifest }
func (d *fakeDriver) Initialize(ctx context.Context, rt driver.Runtime) error {
	return d.initErr
}
func (d *fakeDriver) Handle(ctx context.Context, event *types.Event) ([]*types.Event, error) {
	d.handled++
	return nil, nil
}
func (d *fakeDriver) Shutdown(ctx context.Context) error { return nil }

func manifest(id string, caps []string, priority int) driver.Manifest {
	return driver.Manifest{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		Kind:         driver.KindAgent,
		Capabilities: caps,
		Priority:     priority,
	}
}

func register(t *testing.T, r *DriverRegistry, m driver.Manifest) *fakeDriver {
	t.Helper()
	d := &fakeDriver{manifest: m}
	require.NoError(t, r.Register(m, func() (driver.Driver, error) { return d, nil }))
	return d
}

func TestDriverRegisterAndGet(t *testing.T) {
	r := NewDriverRegistry()
	register(t, r, manifest("d1", []string{"llm.chat"}, 0))

	entry, err := r.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusRegistered, entry.Status)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = r.Register(manifest("d1", []string{"x.y"}, 0), func() (driver.Driver, error) {
		return &fakeDriver{}, nil
	})
	assert.ErrorIs(t, err, types.ErrConflict)

	err = r.Register(driver.Manifest{ID: "no-caps"}, func() (driver.Driver, error) {
		return &fakeDriver{}, nil
	})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRouteLongestPrefixWins(t *testing.T) {
	r := NewDriverRegistry()
	register(t, r, manifest("generic", []string{"llm.chat"}, 0))
	register(t, r, manifest("specific", []string{"llm.chat.tool"}, 0))

	routed := r.Route("llm.chat.tool")
	require.Len(t, routed, 2)
	assert.Equal(t, "specific", routed[0].Manifest.ID, "deeper capability routes first")
	assert.Equal(t, "generic", routed[1].Manifest.ID)

	routed = r.Route("llm.chat")
	require.Len(t, routed, 1)
	assert.Equal(t, "generic", routed[0].Manifest.ID)

	assert.Empty(t, r.Route("unrelated.type"))
}

func TestRoutePriorityBreaksTies(t *testing.T) {
	r := NewDriverRegistry()
	register(t, r, manifest("low", []string{"plan.schedule"}, 1))
	register(t, r, manifest("high", []string{"plan.schedule"}, 10))

	routed := r.Route("plan.schedule")
	require.Len(t, routed, 2)
	assert.Equal(t, "high", routed[0].Manifest.ID)
}

func TestRouteSkipsFailedDrivers(t *testing.T) {
	r := NewDriverRegistry()
	register(t, r, manifest("broken", []string{"llm.chat"}, 0))
	r.MarkFailed("broken", errors.New("init exploded"))

	assert.Empty(t, r.Route("llm.chat"))

	entry, err := r.Get("broken")
	require.NoError(t, err)
	assert.Equal(t, driver.StatusFailed, entry.Status)
	assert.Contains(t, entry.Err, "init exploded")
}

func TestInitializeAllRecordsFailures(t *testing.T) {
	r := NewDriverRegistry()
	register(t, r, manifest("good", []string{"a.b"}, 0))

	bad := &fakeDriver{manifest: manifest("bad", []string{"c.d"}, 0), initErr: errors.New("nope")}
	require.NoError(t, r.Register(bad.manifest, func() (driver.Driver, error) { return bad, nil }))

	err := r.InitializeAll(context.Background(), nil)
	require.NoError(t, err, "non-required failures do not abort the sweep")

	good, _ := r.Get("good")
	assert.Equal(t, driver.StatusRunning, good.Status)
	failed, _ := r.Get("bad")
	assert.Equal(t, driver.StatusFailed, failed.Status)
}

func TestInitializeAllRequiredAborts(t *testing.T) {
	r := NewDriverRegistry()
	m := manifest("critical", []string{"a.b"}, 0)
	m.Required = true
	bad := &fakeDriver{manifest: m, initErr: errors.New("down")}
	require.NoError(t, r.Register(m, func() (driver.Driver, error) { return bad, nil }))

	assert.Error(t, r.InitializeAll(context.Background(), nil))
}

func TestUnregisterIdempotent(t *testing.T) {
	r := NewDriverRegistry()
	register(t, r, manifest("gone", []string{"a.b"}, 0))

	ctx := context.Background()
	require.NoError(t, r.Unregister(ctx, "gone"))
	require.NoError(t, r.Unregister(ctx, "gone"))
	assert.Empty(t, r.List(DriverFilter{}))
}

func TestListFilters(t *testing.T) {
	r := NewDriverRegistry()
	m := manifest("agent-1", []string{"llm.chat"}, 0)
	register(t, r, m)
	sched := manifest("sched-1", []string{"plan.schedule"}, 0)
	sched.Kind = driver.KindScheduler
	register(t, r, sched)

	assert.Len(t, r.List(DriverFilter{}), 2)
	assert.Len(t, r.List(DriverFilter{Kind: driver.KindScheduler}), 1)
	assert.Len(t, r.List(DriverFilter{Capability: "llm.chat.tool"}), 1)
	assert.Len(t, r.List(DriverFilter{Status: driver.StatusRegistered}), 2)
}

func TestHandlesTypeDepth(t *testing.T) {
	m := manifest("d", []string{"llm.chat", "time.cron"}, 0)

	assert.Equal(t, 2, m.HandlesType("llm.chat"))
	assert.Equal(t, 2, m.HandlesType("llm.chat.tool"))
	assert.Equal(t, -1, m.HandlesType("llm.chatter"), "prefix match only on segment boundary")
	assert.Equal(t, 2, m.HandlesType("time.cron"))
	assert.Equal(t, -1, m.HandlesType("other"))
}

func TestManifestTimeoutDefault(t *testing.T) {
	m := manifest("d", []string{"a.b"}, 0)
	assert.Equal(t, driver.DefaultTimeout, m.Timeout())
	m.Resources.Timeout = 5 * time.Second
	assert.Equal(t, 5*time.Second, m.Timeout())
}

func TestToolRegistryViews(t *testing.T) {
	r := NewToolRegistry()

	require.NoError(t, r.Register(ToolSpec{
		ID:          "web.search",
		Name:        "Web Search",
		Description: "Searches the web",
		Capability:  "tool.search",
		Approval:    ApprovalManual,
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "minimum": float64(1)},
			},
		},
	}))

	spec, err := r.Get("web.search")
	require.NoError(t, err)
	assert.Equal(t, ApprovalManual, spec.Approval)

	planner := r.PlannerView()
	require.Len(t, planner, 1)
	assert.Equal(t, "web.search", planner[0].ID)
	assert.NotNil(t, planner[0].Inputs)

	assert.Len(t, r.ByCapability("tool.search"), 1)
	assert.Empty(t, r.ByCapability("tool.other"))

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestToolValidateArgs(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register(ToolSpec{
		ID:   "calc",
		Name: "Calculator",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"expression"},
			"properties": map[string]any{
				"expression": map[string]any{"type": "string"},
			},
		},
	}))

	assert.NoError(t, r.ValidateArgs("calc", map[string]any{"expression": "1+1"}))
	assert.ErrorIs(t, r.ValidateArgs("calc", map[string]any{}), types.ErrInvalidInput)
	assert.ErrorIs(t, r.ValidateArgs("calc", map[string]any{"expression": 42}), types.ErrInvalidInput)
	assert.ErrorIs(t, r.ValidateArgs("missing", nil), types.ErrNotFound)

	// Tools without a schema accept anything.
	require.NoError(t, r.Register(ToolSpec{ID: "free", Name: "Freeform"}))
	assert.NoError(t, r.ValidateArgs("free", map[string]any{"whatever": true}))
}

func TestToolRegisterRejectsBadSchema(t *testing.T) {
	r := NewToolRegistry()
	err := r.Register(ToolSpec{
		ID:   "broken",
		Name: "Broken",
		Parameters: map[string]any{
			"type": 42, // type must be a string or array
		},
	})
	assert.Error(t, err)
}

func TestModelRegistrySeededCatalog(t *testing.T) {
	r := NewModelRegistry(nil)

	for _, id := range []string{"gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo"} {
		_, err := r.Get(id)
		assert.NoError(t, err, "seeded model %s", id)
	}

	_, err := r.Get("unknown-model")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestModelCheapest(t *testing.T) {
	r := NewModelRegistry(nil)

	cheapest, err := r.Cheapest(CapChat)
	require.NoError(t, err)

	// Must actually be the minimum summed cost among chat models.
	for _, m := range r.List("", CapChat) {
		assert.LessOrEqual(t,
			cheapest.InputCostPer1K+cheapest.OutputCostPer1K,
			m.InputCostPer1K+m.OutputCostPer1K)
	}

	_, err = r.Cheapest("nonexistent-capability")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestModelListFilters(t *testing.T) {
	r := NewModelRegistry(nil)

	openai := r.List("openai", "")
	for _, m := range openai {
		assert.Equal(t, "openai", m.Provider)
	}
	embeddings := r.List("", CapEmbeddings)
	require.NotEmpty(t, embeddings)
	for _, m := range embeddings {
		assert.Contains(t, m.Capabilities, CapEmbeddings)
	}
}

func TestUsageTrackingAndStats(t *testing.T) {
	r := NewModelRegistry(nil)

	require.NoError(t, r.TrackUsage(driver.UsageRecord{
		UserID: "u1", ModelID: "gpt-4o",
		PromptTokens: 1000, CompletionTokens: 500,
	}))
	require.NoError(t, r.TrackUsage(driver.UsageRecord{
		UserID: "u1", ModelID: "gpt-4o-mini",
		PromptTokens: 200, CompletionTokens: 100,
	}))
	require.NoError(t, r.TrackUsage(driver.UsageRecord{
		UserID: "u2", ModelID: "gpt-4o",
		PromptTokens: 10, CompletionTokens: 5,
	}))

	stats := r.UsageStats("u1")
	assert.Equal(t, 2, stats.TotalRequests)
	assert.Equal(t, 1800, stats.TotalTokens)
	assert.Equal(t, 1, stats.RequestsByModel["gpt-4o"])
	assert.Equal(t, 1, stats.RequestsByModel["gpt-4o-mini"])

	// Cost derived from the catalog: 1000/1k*0.0025 + 500/1k*0.01.
	assert.InDelta(t, 0.0025+0.005, stats.CostByModel["gpt-4o"], 1e-9)

	all := r.UsageStats("")
	assert.Equal(t, 3, all.TotalRequests)

	assert.ErrorIs(t, r.TrackUsage(driver.UsageRecord{}), types.ErrInvalidInput)
}

func TestModelRegisterAndOverride(t *testing.T) {
	r := NewModelRegistry(nil)

	require.NoError(t, r.Register(driver.ModelSpec{
		ID: "local-llama", Provider: "ollama",
		Capabilities:   []string{CapChat},
		InputCostPer1K: 0, OutputCostPer1K: 0,
		ContextWindow: 8192,
	}))

	cheapest, err := r.Cheapest(CapChat)
	require.NoError(t, err)
	assert.Equal(t, "local-llama", cheapest.ID, "free local model is cheapest")

	assert.ErrorIs(t, r.Register(driver.ModelSpec{}), types.ErrInvalidInput)
}
