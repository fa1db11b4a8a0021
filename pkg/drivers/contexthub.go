package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/driver"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/types"
)

// ContextHubConfig points the driver at the external hub service.
type ContextHubConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// ContextHubDriver externalizes context.* events (initialize, read,
// write, search, list) to an HTTP context-hub service whose contract is
// a simple document tree.
type ContextHubDriver struct {
	cfg    ContextHubConfig
	client *http.Client
	logger zerolog.Logger
}

// NewContextHubDriver creates the connector.
func NewContextHubDriver(cfg ContextHubConfig) *ContextHubDriver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ContextHubDriver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: log.WithComponent("contexthub-driver"),
	}
}

// Manifest implements driver.Driver.
func (d *ContextHubDriver) Manifest() driver.Manifest {
	return driver.Manifest{
		ID:           "context_hub",
		Name:         "Context Hub Connector",
		Version:      "1.0.0",
		Description:  "Bridges context.* events to the HTTP context-hub document tree",
		Kind:         driver.KindConnector,
		Capabilities: []string{"context.initialize", "context.read", "context.write", "context.search", "context.list"},
		Resources:    driver.ResourceSpec{MemoryMB: 64, Timeout: 60 * time.Second},
	}
}

// Initialize implements driver.Driver.
func (d *ContextHubDriver) Initialize(ctx context.Context, rt driver.Runtime) error {
	if d.cfg.BaseURL == "" {
		return fmt.Errorf("context hub: %w: base URL required", types.ErrInvalidInput)
	}
	return nil
}

// Handle implements driver.Driver.
func (d *ContextHubDriver) Handle(ctx context.Context, event *types.Event) ([]*types.Event, error) {
	op := strings.TrimPrefix(event.Type, "context.")

	var (
		result map[string]any
		err    error
	)
	switch op {
	case "initialize":
		result, err = d.call(ctx, http.MethodPost, "/init", event.UserID, event.Data)
	case "read":
		path, _ := event.Data["path"].(string)
		result, err = d.call(ctx, http.MethodGet, "/docs/"+url.PathEscape(path), event.UserID, nil)
	case "write":
		result, err = d.call(ctx, http.MethodPut, "/docs", event.UserID, event.Data)
	case "search":
		query, _ := event.Data["query"].(string)
		result, err = d.call(ctx, http.MethodGet, "/search?q="+url.QueryEscape(query), event.UserID, nil)
	case "list":
		path, _ := event.Data["path"].(string)
		result, err = d.call(ctx, http.MethodGet, "/list/"+url.PathEscape(path), event.UserID, nil)
	default:
		return nil, fmt.Errorf("context hub: %w: unknown operation %q", types.ErrInvalidInput, op)
	}
	if err != nil {
		return nil, err
	}

	response := types.NewEvent("context."+op+".result", result).
		WithSource("context-hub").WithUserID(event.UserID)
	if cid := event.CorrelationID(); cid != "" {
		response.WithMetadata(types.MetaCorrelationID, cid)
	}
	if rid := event.RequestID(); rid != "" {
		response.WithMetadata(types.MetaRequestID, rid)
	}
	return []*types.Event{response}, nil
}

func (d *ContextHubDriver) call(ctx context.Context, method, path, userID string, body map[string]any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("context hub %s: %w: %v", path, types.ErrInvalidInput, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("context hub %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("context hub %s: %w: %v", path, types.ErrTimeout, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("context hub %s: read: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("context hub %s: %w", path, types.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("context hub %s: %w", path, types.ErrUnauthorized)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("context hub %s: status %d: %w", path, resp.StatusCode, types.ErrDriverFailure)
	}

	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("context hub %s: decode: %w", path, err)
		}
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// Shutdown implements driver.Driver.
func (d *ContextHubDriver) Shutdown(ctx context.Context) error {
	d.client.CloseIdleConnections()
	return nil
}
