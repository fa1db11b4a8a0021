package drivers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/driver"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/types"
)

// Completer is the LLM call behind the chat driver. Concrete API
// clients (OpenAI and peers) are deployment concerns; the runtime ships
// with EchoCompleter for development and tests.
type Completer interface {
	Complete(ctx context.Context, model string, messages []map[string]any) (reply string, promptTokens, completionTokens int, err error)
}

// EchoCompleter answers with the last user message. Token counts are
// rough word counts, enough to exercise the usage ledger.
type EchoCompleter struct{}

func (EchoCompleter) Complete(ctx context.Context, model string, messages []map[string]any) (string, int, int, error) {
	var last string
	prompt := 0
	for _, msg := range messages {
		content, _ := msg["content"].(string)
		prompt += len(strings.Fields(content))
		if role, _ := msg["role"].(string); role == "user" {
			last = content
		}
	}
	reply := "Echo: " + last
	return reply, prompt, len(strings.Fields(reply)), nil
}

// ChatConfig configures the chat agent driver.
type ChatConfig struct {
	DefaultModel string
	Completer    Completer
}

// ChatDriver consumes llm.chat events and emits llm.chat.response,
// stamping the conversation turn into the response metadata and
// tracking model usage.
type ChatDriver struct {
	cfg    ChatConfig
	rt     driver.Runtime
	logger zerolog.Logger
}

// NewChatDriver creates the chat agent driver.
func NewChatDriver(cfg ChatConfig) *ChatDriver {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.Completer == nil {
		cfg.Completer = EchoCompleter{}
	}
	return &ChatDriver{
		cfg:    cfg,
		logger: log.WithComponent("chat-driver"),
	}
}

// Manifest implements driver.Driver.
func (d *ChatDriver) Manifest() driver.Manifest {
	return driver.Manifest{
		ID:           "chat_agent",
		Name:         "Chat Agent",
		Version:      "1.0.0",
		Description:  "Answers llm.chat events through the configured model",
		Kind:         driver.KindAgent,
		Capabilities: []string{"llm.chat"},
		Resources:    driver.ResourceSpec{MemoryMB: 256, Timeout: 120 * time.Second},
	}
}

// Initialize implements driver.Driver.
func (d *ChatDriver) Initialize(ctx context.Context, rt driver.Runtime) error {
	d.rt = rt
	return nil
}

// Handle implements driver.Driver. Capability routing is by prefix, so
// llm.chat.response events arrive here too; only bare llm.chat requests
// are answered.
func (d *ChatDriver) Handle(ctx context.Context, event *types.Event) ([]*types.Event, error) {
	if event.Type != "llm.chat" {
		return nil, nil
	}
	messages := chatMessages(event)
	if len(messages) == 0 {
		return nil, fmt.Errorf("chat event %s: %w: no messages", event.ID, types.ErrInvalidInput)
	}

	modelID, _ := event.Data["model"].(string)
	if modelID == "" {
		modelID = d.cfg.DefaultModel
	}
	model, err := d.rt.Model(modelID)
	if err != nil {
		return nil, fmt.Errorf("chat event %s: %w", event.ID, err)
	}

	started := time.Now()
	reply, promptTokens, completionTokens, err := d.cfg.Completer.Complete(ctx, model.ID, messages)
	if err != nil {
		return nil, fmt.Errorf("chat completion via %s: %w", model.ID, err)
	}

	if err := d.rt.TrackUsage(driver.UsageRecord{
		UserID:           event.UserID,
		ModelID:          model.ID,
		Timestamp:        time.Now().UTC(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		RequestID:        event.RequestID(),
	}); err != nil {
		d.logger.Warn().Err(err).Msg("Usage tracking failed")
	}

	response := types.NewEvent("llm.chat.response", map[string]any{
		"response": reply,
		"model":    model.ID,
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
		"duration_ms": time.Since(started).Milliseconds(),
	}).WithSource("chat-driver").WithUserID(event.UserID)

	// Carry ordering and correlation metadata back to the edge.
	if sid := event.SessionID(); sid != "" {
		response.WithMetadata(types.MetaSessionID, sid)
	}
	if rid := event.RequestID(); rid != "" {
		response.WithMetadata(types.MetaRequestID, rid)
	}
	if cid := event.CorrelationID(); cid != "" {
		response.WithMetadata(types.MetaCorrelationID, cid)
	}
	if turn, ok := event.TurnNumber(); ok {
		response.WithMetadata(types.MetaTurnNumber, turn)
	}
	for _, key := range []string{"purpose", "folder_id", "response_event_type"} {
		if v, ok := event.Metadata[key]; ok {
			response.WithMetadata(key, v)
		}
	}

	out := []*types.Event{response}

	if notify, _ := event.Data["notify"].(bool); notify {
		out = append(out, types.NewEvent("notification.send", map[string]any{
			"title":   "Chat reply ready",
			"message": truncate(reply, 140),
		}).WithSource("chat-driver").WithUserID(event.UserID))
	}
	return out, nil
}

// Shutdown implements driver.Driver.
func (d *ChatDriver) Shutdown(ctx context.Context) error { return nil }

// chatMessages extracts the message list, preferring the
// conversation-ordered history stamped by the processor.
func chatMessages(event *types.Event) []map[string]any {
	raw, ok := event.Data["ordered_messages"].([]any)
	if !ok {
		raw, ok = event.Data["messages"].([]any)
	}
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, entry := range raw {
		if msg, ok := entry.(map[string]any); ok {
			out = append(out, msg)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
