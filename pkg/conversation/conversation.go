package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/config"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/types"
)

// Message is one chat message inside a turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is a numbered (user, assistant?) pair inside a session.
type Turn struct {
	Number           int           `json:"turn_number"`
	UserMessage      Message       `json:"user_message"`
	AssistantMessage *Message      `json:"assistant_message,omitempty"`
	UserEventID      string        `json:"user_event_id,omitempty"`
	AssistantEventID string        `json:"assistant_event_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ProcessingTime   time.Duration `json:"processing_time,omitempty"`
}

// Session holds the ordered turns of one conversation. All access goes
// through the session mutex; different sessions are fully independent.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	mu          sync.Mutex
	turns       []*Turn
	currentTurn int
}

// addUserMessage opens the next turn and returns its number plus the
// canonical history up to and including it.
func (s *Session) addUserMessage(content, eventID string) (int, []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentTurn++
	turn := &Turn{
		Number:      s.currentTurn,
		UserMessage: Message{Role: "user", Content: content},
		UserEventID: eventID,
		CreatedAt:   time.Now().UTC(),
	}
	s.turns = append(s.turns, turn)
	metrics.TurnsTotal.Inc()

	return s.currentTurn, s.historyLocked(s.currentTurn)
}

// addAssistantResponse attaches the reply for a turn. It returns false
// when the turn does not exist or already has a reply; state is never
// mutated on rejection.
func (s *Session) addAssistantResponse(turnNumber int, content, eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, turn := range s.turns {
		if turn.Number != turnNumber {
			continue
		}
		if turn.AssistantMessage != nil {
			return false
		}
		turn.AssistantMessage = &Message{Role: "assistant", Content: content}
		turn.AssistantEventID = eventID
		turn.ProcessingTime = time.Since(turn.CreatedAt)
		return true
	}
	return false
}

// History returns the message history up to a turn (0 means all).
func (s *Session) History(upToTurn int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upToTurn <= 0 {
		upToTurn = s.currentTurn
	}
	return s.historyLocked(upToTurn)
}

func (s *Session) historyLocked(upToTurn int) []Message {
	var messages []Message
	for _, turn := range s.turns {
		if turn.Number > upToTurn {
			break
		}
		messages = append(messages, turn.UserMessage)
		if turn.AssistantMessage != nil {
			messages = append(messages, *turn.AssistantMessage)
		}
	}
	return messages
}

// TurnCount returns the number of turns the session currently holds;
// turns dropped by trimming are not counted.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Session) trim(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) > max {
		s.turns = s.turns[len(s.turns)-max:]
	}
}

// Manager imposes a total order on multi-turn chat per session, so
// out-of-order bus delivery or concurrent workers cannot interleave
// replies.
type Manager struct {
	cfg    config.ConversationConfig
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a conversation manager with the given bounds.
func NewManager(cfg config.ConversationConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   log.WithComponent("conversation"),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the hourly session sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop stops the sweep.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Session returns the session for an id, creating it on first use.
func (m *Manager) Session(sessionID, userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s = &Session{
			ID:        sessionID,
			UserID:    userID,
			CreatedAt: time.Now().UTC(),
		}
		m.sessions[sessionID] = s
		metrics.SessionsActive.Set(float64(len(m.sessions)))
		m.logger.Info().Str("session_id", sessionID).Msg("Conversation session created")
	}
	return s
}

// sessionKey derives the session for events that did not set one: a
// per-user default session.
func sessionKey(event *types.Event) (sessionID, userID string) {
	userID = event.UserID
	if userID == "" {
		userID = "unknown"
	}
	sessionID = event.SessionID()
	if sessionID == "" {
		sessionID = "default_" + userID
	}
	return sessionID, userID
}

// ProcessUserEvent extracts the latest user message from a chat event,
// opens the next turn, and returns (turn number, canonical history).
// The caller must stamp the turn number into the outgoing chat event.
func (m *Manager) ProcessUserEvent(event *types.Event) (int, []Message, error) {
	sessionID, userID := sessionKey(event)

	content, ok := latestUserMessage(event)
	if !ok {
		return 0, nil, fmt.Errorf("conversation %s: %w: no user message in event data", sessionID, types.ErrInvalidInput)
	}

	session := m.Session(sessionID, userID)
	turn, history := session.addUserMessage(content, event.ID)

	m.logger.Debug().
		Str("session_id", sessionID).
		Int("turn", turn).
		Int("history_len", len(history)).
		Msg("User turn opened")
	return turn, history, nil
}

// ProcessAssistantEvent attaches a response to its turn. Duplicates and
// unknown turns return false; a late reply cannot be retroactively
// created.
func (m *Manager) ProcessAssistantEvent(event *types.Event, turnNumber int) bool {
	sessionID := event.SessionID()
	if sessionID == "" {
		m.logger.Warn().Str("event_id", event.ID).Msg("Assistant event without session_id dropped")
		return false
	}

	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn().Str("session_id", sessionID).Int("turn", turnNumber).
			Msg("Assistant event for unknown session dropped")
		return false
	}

	response, _ := event.Data["response"].(string)
	if !session.addAssistantResponse(turnNumber, response, event.ID) {
		m.logger.Warn().Str("session_id", sessionID).Int("turn", turnNumber).
			Msg("Duplicate or unmatched assistant response rejected")
		return false
	}
	return true
}

// History returns a session's history, or nil for unknown sessions.
func (m *Manager) History(sessionID string, upToTurn int) []Message {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return session.History(upToTurn)
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now().UTC())
		case <-m.stopCh:
			return
		}
	}
}

// sweep expires old sessions and trims oversized ones to the tail.
func (m *Manager) sweep(now time.Time) {
	maxAge := time.Duration(m.cfg.MaxSessionAgeHours) * time.Hour

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if now.Sub(session.CreatedAt) > maxAge {
			delete(m.sessions, id)
			m.logger.Info().Str("session_id", id).Msg("Expired conversation session removed")
			continue
		}
		if session.TurnCount() > m.cfg.MaxTurnsPerSession {
			session.trim(m.cfg.MaxTurnsPerSession)
		}
	}
	metrics.SessionsActive.Set(float64(len(m.sessions)))
}

// latestUserMessage returns the content of the last role=="user" entry
// in the event's messages list. Edges may send the full history; only
// the newest user message opens a turn.
func latestUserMessage(event *types.Event) (string, bool) {
	raw, ok := event.Data["messages"].([]any)
	if !ok {
		// Single-message form.
		if msg, ok := event.Data["message"].(string); ok && msg != "" {
			return msg, true
		}
		return "", false
	}
	for i := len(raw) - 1; i >= 0; i-- {
		entry, ok := raw[i].(map[string]any)
		if !ok {
			continue
		}
		if role, _ := entry["role"].(string); role != "user" {
			continue
		}
		content, _ := entry["content"].(string)
		return content, content != ""
	}
	return "", false
}
