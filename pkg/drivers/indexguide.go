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

const indexGuidePurpose = "index_guide"

const indexGuideSystemPrompt = "You are an expert at creating helpful index guides for folders " +
	"in a personal knowledge management system. Generate a practical guide covering what " +
	"belongs in the folder, how to organize it, naming conventions, and when to create " +
	"subfolders. Use markdown with proper headers."

// IndexGuideDriver turns folder.created events into LLM completion
// requests and converts the replies into
// context.index_guide.generated events.
type IndexGuideDriver struct {
	model  string
	rt     driver.Runtime
	logger zerolog.Logger
}

// NewIndexGuideDriver creates the generator. An empty model falls back
// to the chat driver's default.
func NewIndexGuideDriver(model string) *IndexGuideDriver {
	return &IndexGuideDriver{
		model:  model,
		logger: log.WithComponent("index-guide-driver"),
	}
}

// Manifest implements driver.Driver.
func (d *IndexGuideDriver) Manifest() driver.Manifest {
	return driver.Manifest{
		ID:           "index_guide_generator",
		Name:         "Index Guide Generator",
		Version:      "1.0.0",
		Description:  "Generates contextual index guides for new folders using an LLM",
		Kind:         driver.KindAgent,
		Capabilities: []string{"folder.created", "llm.chat.response"},
		Resources:    driver.ResourceSpec{MemoryMB: 128, Timeout: 120 * time.Second},
	}
}

// Initialize implements driver.Driver.
func (d *IndexGuideDriver) Initialize(ctx context.Context, rt driver.Runtime) error {
	d.rt = rt
	return nil
}

// Handle implements driver.Driver.
func (d *IndexGuideDriver) Handle(ctx context.Context, event *types.Event) ([]*types.Event, error) {
	switch event.Type {
	case "folder.created":
		return d.requestGuide(event)
	case "llm.chat.response":
		if p, _ := event.Metadata["purpose"].(string); p == indexGuidePurpose {
			return d.publishGuide(event)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func (d *IndexGuideDriver) requestGuide(event *types.Event) ([]*types.Event, error) {
	folderName, _ := event.Data["folder_name"].(string)
	folderPath, _ := event.Data["folder_path"].(string)
	folderID, _ := event.Data["folder_id"].(string)
	if folderName == "" {
		return nil, fmt.Errorf("folder.created %s: %w: folder_name required", event.ID, types.ErrInvalidInput)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Create an index guide for the folder %q", folderName)
	if folderPath != "" {
		fmt.Fprintf(&prompt, " located at %q", folderPath)
	}
	if parents, ok := event.Data["parent_folders"].([]any); ok && len(parents) > 0 {
		fmt.Fprintf(&prompt, ". Parent folders: %v", parents)
	}
	if siblings, ok := event.Data["sibling_folders"].([]any); ok && len(siblings) > 0 {
		fmt.Fprintf(&prompt, ". Sibling folders: %v", siblings)
	}

	request := types.NewEvent("llm.chat", map[string]any{
		"messages": []any{
			map[string]any{"role": "system", "content": indexGuideSystemPrompt},
			map[string]any{"role": "user", "content": prompt.String()},
		},
	}).WithSource("index-guide-driver").WithUserID(event.UserID)
	if d.model != "" {
		request.Data["model"] = d.model
	}
	request.WithMetadata("purpose", indexGuidePurpose)
	request.WithMetadata("folder_id", folderID)
	request.WithMetadata("folder_name", folderName)
	request.WithMetadata(types.MetaCorrelationID, event.ID)
	// Guide generation is a background request; keep it out of the
	// user's conversation sessions.
	request.WithMetadata(types.MetaTurnNumber, 0)

	return []*types.Event{request}, nil
}

func (d *IndexGuideDriver) publishGuide(event *types.Event) ([]*types.Event, error) {
	guide, _ := event.Data["response"].(string)
	if guide == "" {
		return nil, fmt.Errorf("index guide response %s: %w: empty response", event.ID, types.ErrInvalidInput)
	}

	folderID, _ := event.Metadata["folder_id"].(string)
	folderName, _ := event.Metadata["folder_name"].(string)

	generated := types.NewEvent("context.index_guide.generated", map[string]any{
		"folder_id":   folderID,
		"folder_name": folderName,
		"guide":       guide,
	}).WithSource("index-guide-driver").WithUserID(event.UserID)
	if cid := event.CorrelationID(); cid != "" {
		generated.WithMetadata(types.MetaCorrelationID, cid)
	}

	d.logger.Info().Str("folder_id", folderID).Msg("Index guide generated")
	return []*types.Event{generated}, nil
}

// Shutdown implements driver.Driver.
func (d *IndexGuideDriver) Shutdown(ctx context.Context) error { return nil }
