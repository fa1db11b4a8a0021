package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vextir/lightning/pkg/api"
	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/driver"
	"github.com/vextir/lightning/pkg/drivers"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/runtime"
	"github.com/vextir/lightning/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vextir",
	Short: "Vextir OS - event-driven runtime for AI drivers",
	Long: `Vextir OS is an event-driven runtime that orchestrates AI drivers
(agents, tools, connectors) behind a single unifying event bus, with
deduplication, replay, orphan detection and circuit-breaker resilience.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Vextir version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Options{
		Level:  logLevel,
		JSON:   logJSON,
		Writer: os.Stderr,
	})
}

// buildRuntime composes and starts a local runtime with the reference
// drivers registered.
func buildRuntime(cmd *cobra.Command, withDrivers bool) (*runtime.Runtime, error) {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		return nil, err
	}

	if withDrivers {
		if err := registerReferenceDrivers(rt); err != nil {
			return nil, err
		}
	}

	if err := rt.Start(cmd.Context()); err != nil {
		return nil, err
	}
	return rt, nil
}

func registerReferenceDrivers(rt *runtime.Runtime) error {
	chat := drivers.NewChatDriver(drivers.ChatConfig{})
	if err := rt.Drivers().Register(chat.Manifest(), func() (driver.Driver, error) {
		return chat, nil
	}); err != nil {
		return err
	}

	sched := drivers.NewSchedulerDriver()
	if err := rt.Drivers().Register(sched.Manifest(), func() (driver.Driver, error) {
		return sched, nil
	}); err != nil {
		return err
	}

	guide := drivers.NewIndexGuideDriver("")
	if err := rt.Drivers().Register(guide.Manifest(), func() (driver.Driver, error) {
		return guide, nil
	}); err != nil {
		return err
	}

	if hubURL := os.Getenv("CONTEXT_HUB_URL"); hubURL != "" {
		hub := drivers.NewContextHubDriver(drivers.ContextHubConfig{
			BaseURL: hubURL,
			Token:   os.Getenv("CONTEXT_HUB_TOKEN"),
		})
		if err := rt.Drivers().Register(hub.Manifest(), func() (driver.Driver, error) {
			return hub, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Chat command

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat via the event bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		temperature, _ := cmd.Flags().GetFloat64("temperature")
		timeout, _ := cmd.Flags().GetInt("timeout")

		rt, err := buildRuntime(cmd, true)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())

		sessionID := "cli-" + types.NewID()[:16]
		userID := envOr("USER", "cli-user")

		fmt.Println("Vextir chat. Type a message, or /quit to exit.")
		fmt.Printf("Session: %s\n\n", sessionID)

		interrupted := handleInterrupt()
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				return nil
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}
			select {
			case <-interrupted:
				os.Exit(exitInterrupted)
			default:
			}

			reply, turn, err := sendChat(cmd.Context(), rt, sessionID, userID, model, temperature, line,
				time.Duration(timeout)*time.Second)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Printf("[turn %d] %s\n\n", turn, reply)
		}
	},
}

func sendChat(ctx context.Context, rt *runtime.Runtime, sessionID, userID, model string, temperature float64, message string, timeout time.Duration) (string, int, error) {
	requestID := types.NewID()

	replyCh := make(chan *types.Event, 1)
	subID, err := rt.Subscribe("llm.chat.response", func(ctx context.Context, event *types.Event) error {
		if event.RequestID() == requestID {
			select {
			case replyCh <- event:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	defer rt.Unsubscribe(subID)

	event := types.NewEvent("llm.chat", map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": message},
		},
	}).WithSource("cli").WithUserID(userID)
	event.WithMetadata(types.MetaSessionID, sessionID)
	event.WithMetadata(types.MetaRequestID, requestID)
	if model != "" {
		event.Data["model"] = model
	}
	if temperature > 0 {
		event.Data["temperature"] = temperature
	}

	if err := rt.PublishEvent(ctx, event); err != nil {
		return "", 0, err
	}

	select {
	case reply := <-replyCh:
		response, _ := reply.Data["response"].(string)
		turn, _ := reply.TurnNumber()
		return response, turn, nil
	case <-time.After(timeout):
		return "", 0, fmt.Errorf("no response within %s: %w", timeout, types.ErrTimeout)
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
}

// Send command

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish an event",
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("type")
		dataArg, _ := cmd.Flags().GetString("data")
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetInt("timeout")

		if eventType == "" {
			return fmt.Errorf("event type required (-t)")
		}

		data := map[string]any{}
		if dataArg != "" {
			if err := json.Unmarshal([]byte(dataArg), &data); err != nil {
				// Not JSON: treat as a plain message string.
				data = map[string]any{"message": dataArg}
			}
		}

		rt, err := buildRuntime(cmd, true)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())

		requestID := types.NewID()
		event := types.NewEvent(eventType, data).
			WithSource("cli").
			WithUserID(envOr("USER", "cli-user"))
		event.WithMetadata(types.MetaRequestID, requestID)

		var replyCh chan *types.Event
		if wait {
			replyCh = make(chan *types.Event, 1)
			subID, err := rt.Subscribe("*", func(ctx context.Context, ev *types.Event) error {
				if ev.RequestID() == requestID && ev.ID != event.ID {
					select {
					case replyCh <- ev:
					default:
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			defer rt.Unsubscribe(subID)
		}

		if err := rt.PublishEvent(cmd.Context(), event); err != nil {
			return err
		}
		fmt.Printf("Published %s (id %s)\n", eventType, event.ID)

		if wait {
			select {
			case reply := <-replyCh:
				out, _ := json.MarshalIndent(reply, "", "  ")
				fmt.Println(string(out))
			case <-time.After(time.Duration(timeout) * time.Second):
				return fmt.Errorf("no response within %ds: %w", timeout, types.ErrTimeout)
			}
		} else {
			// Give the processor a beat to route before teardown.
			time.Sleep(200 * time.Millisecond)
		}
		return nil
	},
}

// Process command

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Replay an event from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("event file required (-f)")
		}

		raw, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		event, err := types.DecodeEvent(raw)
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cmd, true)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())

		if err := rt.PublishEvent(cmd.Context(), event); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)

		metrics := rt.Processor().Metrics()
		fmt.Printf("Processed %s (id %s); runtime totals: %d events, %d errors, %d orphaned\n",
			event.Type, event.ID, metrics.TotalEvents, metrics.TotalErrors, metrics.TotalOrphaned)
		return nil
	},
}

// Monitor command

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream all events",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, _ := cmd.Flags().GetString("filter")

		rt, err := buildRuntime(cmd, true)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())

		_, err = rt.Subscribe("*", func(ctx context.Context, event *types.Event) error {
			if filter != "" && !strings.Contains(event.Type, filter) {
				return nil
			}
			data, _ := json.Marshal(event.Data)
			fmt.Printf("%s  %-32s %s %s\n",
				event.Timestamp.Format("15:04:05.000"), event.Type, event.ID, data)
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Println("Monitoring events (Ctrl-C to stop)...")
		<-handleInterrupt()
		os.Exit(exitInterrupted)
		return nil
	},
}

// Status command

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print driver status and health summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")

		rt, err := buildRuntime(cmd, true)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())

		status := rt.Status()
		fmt.Printf("Mode:         %s\n", status.Mode)
		fmt.Printf("Health:       %s (score %d)\n", status.Health.Status, status.Health.HealthScore)
		fmt.Printf("Sessions:     %d\n", status.Sessions)
		fmt.Printf("Drivers:\n")
		for _, d := range status.Drivers {
			fmt.Printf("  %-24s %-10s %-10s %s\n", d.ID, d.Kind, d.Status, strings.Join(d.Capabilities, ","))
			if d.Error != "" {
				fmt.Printf("    error: %s\n", d.Error)
			}
		}

		if verbose {
			fmt.Printf("Providers:\n")
			for name, p := range status.Providers {
				fmt.Printf("  %-12s %-10s breaker=%s failures=%d score=%.0f\n",
					name, p.Health.Status, p.Breaker.StateName, p.Breaker.FailureCount, p.Health.Score)
			}
			out, _ := json.MarshalIndent(status.Health.Metrics, "", "  ")
			fmt.Printf("Metrics:\n%s\n", out)
		}
		return nil
	},
}

// Serve command

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runtime with the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.API.Addr = addr
		}

		rt, err := runtime.New(cfg)
		if err != nil {
			return err
		}
		if err := registerReferenceDrivers(rt); err != nil {
			return err
		}
		if err := rt.Start(cmd.Context()); err != nil {
			return err
		}

		server := api.NewServer(rt, cfg.API)
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		fmt.Printf("Vextir runtime serving on %s\n", cfg.API.Addr)

		select {
		case <-handleInterrupt():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
			defer cancel()
			_ = server.Stop(shutdownCtx)
			_ = rt.Shutdown(shutdownCtx)
			os.Exit(exitInterrupted)
		case err := <-errCh:
			_ = rt.Shutdown(context.Background())
			return err
		}
		return nil
	},
}

func init() {
	chatCmd.Flags().String("model", "", "Model id (defaults to the chat driver's model)")
	chatCmd.Flags().Float64("temperature", 0, "Sampling temperature")
	chatCmd.Flags().Int("timeout", 30, "Per-message response timeout in seconds")

	sendCmd.Flags().StringP("type", "t", "", "Event type (dotted)")
	sendCmd.Flags().StringP("data", "d", "", "Event data: JSON object or plain string")
	sendCmd.Flags().Bool("wait", false, "Wait for a correlated response event")
	sendCmd.Flags().Int("timeout", 30, "Wait timeout in seconds")

	processCmd.Flags().StringP("file", "f", "", "Path to event JSON file")

	monitorCmd.Flags().String("filter", "", "Only show event types containing this substring")

	statusCmd.Flags().Bool("verbose", false, "Include providers and processor metrics")

	serveCmd.Flags().String("addr", "", "API listen address (overrides config)")
}

func handleInterrupt() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
