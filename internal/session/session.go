// Package session tracks per-connection conversation state: a bounded
// message history, the active cognition mode, and the reflection toggle.
package session

import (
	"log/slog"
	"sync"
)

// Default history bounds.
const (
	DefaultMaxMessages = 40
	DefaultMaxTokens   = 12000
)

// charsPerToken is the rough character-to-token ratio used for budget
// accounting. Real tokenizers vary; this only needs to keep history
// from growing without bound.
const charsPerToken = 4

// Message is one turn of conversation history.
type Message struct {
	Role    string
	Content string
}

// estimateTokens approximates the token cost of a string.
func estimateTokens(content string) int {
	return len(content) / charsPerToken
}

// Session holds one connection's state. All methods are safe for
// concurrent use; the connection handler and orchestrator both touch
// the mode and reflect flags.
type Session struct {
	id string

	mu          sync.Mutex
	messages    []Message
	maxMessages int
	maxTokens   int
	mode        string
	reflect     bool
}

// ID returns the connection identifier this session belongs to.
func (s *Session) ID() string { return s.id }

// Push appends a message and evicts from the front until both bounds
// hold. The newest message always survives, even when it alone blows
// the token budget.
func (s *Session) Push(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, Message{Role: role, Content: content})

	for len(s.messages) > s.maxMessages {
		s.messages = s.messages[1:]
	}
	for len(s.messages) > 1 && s.approxTokensLocked() > s.maxTokens {
		s.messages = s.messages[1:]
	}
}

func (s *Session) approxTokensLocked() int {
	total := 0
	for _, m := range s.messages {
		total += estimateTokens(m.Content)
	}
	return total
}

// ApproxTokens returns the estimated token cost of the current history.
func (s *Session) ApproxTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approxTokensLocked()
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Snapshot returns a copy of the history. Mutating the returned slice
// has no effect on the session.
func (s *Session) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Clear empties the history. Mode and reflection settings survive.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Mode returns the session's persistent cognition mode.
func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches the persistent cognition mode.
func (s *Session) SetMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// ReflectEnabled reports whether multi-pass reflection is on.
func (s *Session) ReflectEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reflect
}

// SetReflect toggles multi-pass reflection for this connection.
func (s *Session) SetReflect(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reflect = on
}

// Store owns all live sessions, keyed by connection ID.
type Store struct {
	maxMessages    int
	maxTokens      int
	defaultMode    string
	defaultReflect bool
	logger         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates a session store. Non-positive bounds fall back to
// the package defaults.
func NewStore(maxMessages, maxTokens int, defaultMode string, defaultReflect bool, logger *slog.Logger) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		maxMessages:    maxMessages,
		maxTokens:      maxTokens,
		defaultMode:    defaultMode,
		defaultReflect: defaultReflect,
		logger:         logger,
		sessions:       make(map[string]*Session),
	}
}

// Open returns the session for id, creating it on first use.
func (st *Store) Open(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		return s
	}
	s := &Session{
		id:          id,
		maxMessages: st.maxMessages,
		maxTokens:   st.maxTokens,
		mode:        st.defaultMode,
		reflect:     st.defaultReflect,
	}
	st.sessions[id] = s
	st.logger.Debug("session opened", "session", id)
	return s
}

// Drop discards the session for id, if any.
func (st *Store) Drop(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; ok {
		delete(st.sessions, id)
		st.logger.Debug("session dropped", "session", id)
	}
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
