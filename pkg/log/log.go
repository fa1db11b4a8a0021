package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/types"
)

// root is the logger every component child derives from. It starts at
// a usable default so packages constructed before Init still log.
var root = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}).With().Timestamp().Logger()

// Options configure the process root logger.
type Options struct {
	// Level is a zerolog level name: debug, info, warn, error.
	// Unknown or empty values fall back to info.
	Level string

	// JSON switches from console output to machine-readable JSON lines.
	JSON bool

	// Writer is the destination, stdout when nil.
	Writer io.Writer
}

// Init replaces the root logger. Called once at process start; tests
// call it again to drop the level to error.
func Init(opts Options) {
	out := opts.Writer
	if out == nil {
		out = os.Stdout
	}

	var w io.Writer = out
	if !opts.JSON {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	root = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Root returns the current root logger for callers that need to attach
// their own context.
func Root() zerolog.Logger {
	return root
}

// WithComponent derives the child logger a long-lived component keeps
// for its lifetime.
func WithComponent(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// ForEvent annotates a component logger with one event's identity and
// whichever reserved metadata it carries. Per-delivery log lines use
// this instead of repeating the field set by hand.
func ForEvent(logger zerolog.Logger, event *types.Event) zerolog.Logger {
	if event == nil {
		return logger
	}
	ctx := logger.With().
		Str("event_id", event.ID).
		Str("event_type", event.Type)
	if event.UserID != "" {
		ctx = ctx.Str("user_id", event.UserID)
	}
	if sid := event.SessionID(); sid != "" {
		ctx = ctx.Str("session_id", sid)
	}
	if rid := event.RequestID(); rid != "" {
		ctx = ctx.Str("request_id", rid)
	}
	if cid := event.CorrelationID(); cid != "" {
		ctx = ctx.Str("correlation_id", cid)
	}
	if turn, ok := event.TurnNumber(); ok {
		ctx = ctx.Int("turn", turn)
	}
	return ctx.Logger()
}
