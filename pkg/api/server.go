package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/runtime"
	"github.com/vextir/lightning/pkg/types"
)

// Server is the HTTP edge: it accepts event envelopes, streams the bus
// over SSE, and exposes status, health, and Prometheus metrics. The
// edge trusts its authentication boundary; the opaque X-User-ID header
// is propagated into event user_id untouched.
type Server struct {
	rt     *runtime.Runtime
	cfg    config.APIConfig
	logger zerolog.Logger
	http   *http.Server

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer builds the HTTP edge over a runtime.
func NewServer(rt *runtime.Runtime, cfg config.APIConfig) *Server {
	s := &Server{
		rt:       rt,
		cfg:      cfg,
		logger:   log.WithComponent("api"),
		limiters: make(map[string]*rate.Limiter),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	if cfg.RateLimit > 0 {
		r.Use(s.rateLimit)
	}

	r.Post("/events", s.handlePublish)
	r.Post("/events/batch", s.handlePublishBatch)
	r.Get("/events/stream", s.handleStream)
	r.Get("/events/orphaned", s.handleOrphaned)
	r.Get("/events/deadletter", s.handleDeadLetter)
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("API server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(r.Method))
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", ww.Status())).Inc()
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-User-ID")
		if key == "" {
			key = r.RemoteAddr
		}

		s.limiterMu.Lock()
		limiter, ok := s.limiters[key]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), int(s.cfg.RateLimit)*2)
			s.limiters[key] = limiter
		}
		s.limiterMu.Unlock()

		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := decodeEventBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.rt.PublishEvent(r.Context(), body); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": body.ID, "type": body.Type})
}

func (s *Server) handlePublishBatch(w http.ResponseWriter, r *http.Request) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of event envelopes")
		return
	}

	events := make([]*types.Event, 0, len(raw))
	userID := r.Header.Get("X-User-ID")
	for _, entry := range raw {
		event, err := types.DecodeEvent(entry)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if event.UserID == "" {
			event.UserID = userID
		}
		events = append(events, event)
	}

	errs := s.rt.Bus().PublishBatch(r.Context(), events, "")
	results := make([]map[string]any, len(events))
	status := http.StatusAccepted
	for i, event := range events {
		results[i] = map[string]any{"id": event.ID, "accepted": true}
		if errs != nil && errs[i] != nil {
			results[i]["accepted"] = false
			results[i]["error"] = errs[i].Error()
			status = http.StatusMultiStatus
		}
	}
	writeJSON(w, status, map[string]any{"results": results})
}

// handleStream serves the bus over Server-Sent Events, optionally
// filtered by a subject pattern.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	subject := r.URL.Query().Get("subject")
	if subject == "" {
		subject = "*"
	}

	events := make(chan *types.Event, 64)
	subID, err := s.rt.Subscribe(subject, func(ctx context.Context, event *types.Event) error {
		select {
		case events <- event:
		default:
			// Slow consumer; drop rather than block the bus.
		}
		return nil
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer func() {
		if err := s.rt.Unsubscribe(subID); err != nil {
			s.logger.Warn().Err(err).Msg("Stream unsubscribe failed")
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event := <-events:
			data, err := event.Encode()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleOrphaned(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"orphaned": s.rt.Bus().OrphanedEvents(100),
		"summary":  s.rt.EventMonitor().Orphans(),
	})
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": s.rt.Bus().DeadLetterEvents(100),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Status())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := s.rt.EventMonitor().Health()
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func decodeEventBody(r *http.Request) (*types.Event, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read event body: %w", err)
	}

	event, err := types.DecodeEvent(raw)
	if err != nil {
		return nil, err
	}
	if event.UserID == "" {
		event.UserID = r.Header.Get("X-User-ID")
	}
	if event.Source == "" {
		event.Source = "api"
	}
	return event, nil
}

func statusFor(err error) int {
	switch types.ErrorKind(err) {
	case "invalid_input", "ttl_expired":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "unauthorized":
		return http.StatusUnauthorized
	case "circuit_open", "bus_unavailable":
		return http.StatusServiceUnavailable
	case "bus_full":
		return http.StatusTooManyRequests
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
