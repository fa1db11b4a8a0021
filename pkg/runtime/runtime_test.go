package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/driver"
	"github.com/vextir/lightning/pkg/drivers"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/runtime"
	"github.com/vextir/lightning/pkg/serverless"
	"github.com/vextir/lightning/pkg/storage"
	"github.com/vextir/lightning/pkg/types"
)

func init() {
	log.Init(log.Options{Level: "error"})
}

func localConfig() *config.RuntimeConfig {
	cfg := config.Default()
	cfg.Bus.Workers = 4
	return cfg
}

func startRuntime(t *testing.T, cfg *config.RuntimeConfig, withChat bool) *runtime.Runtime {
	t.Helper()

	rt, err := runtime.New(cfg)
	require.NoError(t, err)

	if withChat {
		chat := drivers.NewChatDriver(drivers.ChatConfig{})
		require.NoError(t, rt.Drivers().Register(chat.Manifest(), func() (driver.Driver, error) {
			return chat, nil
		}))
	}

	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func TestRuntimeEndToEndChat(t *testing.T) {
	rt := startRuntime(t, localConfig(), true)

	responses := make(chan *types.Event, 1)
	_, err := rt.Subscribe("llm.chat.response", func(ctx context.Context, event *types.Event) error {
		select {
		case responses <- event:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	request := types.NewEvent("llm.chat", map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "Hello"}},
		"model":    "gpt-3.5-turbo",
	}).WithUserID("u1")
	request.WithMetadata(types.MetaRequestID, "r1")
	request.WithMetadata(types.MetaSessionID, "s1")

	require.NoError(t, rt.PublishEvent(context.Background(), request))

	select {
	case response := <-responses:
		assert.Equal(t, "r1", response.RequestID())
		turn, ok := response.TurnNumber()
		require.True(t, ok)
		assert.Equal(t, 1, turn)
	case <-time.After(3 * time.Second):
		t.Fatal("no chat response within timeout")
	}
}

func TestRuntimeResilienceWiring(t *testing.T) {
	cfg := localConfig()
	cfg.Resilience.Enabled = true
	rt := startRuntime(t, cfg, false)

	require.NotNil(t, rt.HealthMonitor())
	for _, name := range []string{"storage", "event-bus"} {
		status, ok := rt.HealthMonitor().ProviderStatus(name)
		require.True(t, ok, "provider %s registered", name)
		assert.True(t, status.Breaker.IsOperational)
	}
}

func TestRuntimeResilienceDisabled(t *testing.T) {
	cfg := localConfig()
	cfg.Resilience.Enabled = false
	rt := startRuntime(t, cfg, false)
	assert.Nil(t, rt.HealthMonitor())
}

func TestRuntimeBoltStorage(t *testing.T) {
	cfg := localConfig()
	cfg.StorageProvider = "bolt"
	cfg.StoragePath = t.TempDir()
	rt := startRuntime(t, cfg, false)

	ctx := context.Background()
	require.NoError(t, rt.Store().Create(ctx, storage.ContainerSchedules, &storage.Document{
		ID: "job-1", PartitionKey: "u1",
		Attributes: map[string]any{"cron": "0 9 * * *"},
	}))

	doc, err := rt.Store().Get(ctx, storage.ContainerSchedules, "job-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", doc.Attributes["cron"])
}

func TestRuntimeUnknownProviders(t *testing.T) {
	cfg := localConfig()
	cfg.StorageProvider = "cosmos"
	_, err := runtime.New(cfg)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	cfg = localConfig()
	cfg.EventBusProvider = "kafka"
	_, err = runtime.New(cfg)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRuntimeStatus(t *testing.T) {
	rt := startRuntime(t, localConfig(), true)

	status := rt.Status()
	assert.Equal(t, "local", status.Mode)
	assert.True(t, status.Started)
	require.Len(t, status.Drivers, 1)
	assert.Equal(t, "chat_agent", status.Drivers[0].ID)
	assert.Equal(t, "running", status.Drivers[0].Status)
	assert.Equal(t, "healthy", status.Health.Status)
}

func TestRuntimeShutdownRejectsPublish(t *testing.T) {
	cfg := localConfig()
	rt, err := runtime.New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))
	require.NoError(t, rt.Shutdown(ctx), "shutdown is idempotent")

	err = rt.PublishEvent(context.Background(), types.NewEvent("late.event", nil))
	assert.Error(t, err)
}

func TestRuntimeServerlessHost(t *testing.T) {
	rt := startRuntime(t, localConfig(), false)
	require.NotNil(t, rt.Serverless())

	id, err := rt.Serverless().Deploy(
		serverless.FunctionConfig{Name: "probe"},
		func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})
	require.NoError(t, err)

	out, err := rt.Serverless().Invoke(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}
