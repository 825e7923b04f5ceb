package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TurnState tracks where a device's in-flight turn sits in the pipeline.
type TurnState string

const (
	StateIdle               TurnState = "idle"
	StateAwaitingTranscript TurnState = "awaiting_transcript"
	StateAwaitingResponse   TurnState = "awaiting_response"
	StateAwaitingSynthesis  TurnState = "awaiting_synthesis"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrBusy           = errors.New("turn already in flight")
	ErrBadTransition  = errors.New("invalid turn state transition")
	ErrStaleTurn      = errors.New("turn no longer active")
	ErrBadInitialTurn = errors.New("turn must start awaiting transcript or response")
)

// TurnRecord is one conversational exchange entry.
type TurnRecord struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Mood      string    `json:"mood"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds per-device conversational state for the process lifetime.
type Session struct {
	DeviceID     string       `json:"device_id"`
	Location     string       `json:"location"`
	ConnectedAt  time.Time    `json:"connected_at"`
	LastActivity time.Time    `json:"last_activity"`
	Conversation []TurnRecord `json:"conversation"`
	CurrentMood  string       `json:"current_mood"`
	TurnState    TurnState    `json:"turn_state"`

	activeTurnID string
}

// ActiveTurnID exposes the in-flight turn identifier, empty when idle.
func (s *Session) ActiveTurnID() string { return s.activeTurnID }

// Store is the single shared mutable structure across connection handlers.
// All turn-state transitions happen under its lock so the one-turn-per-device
// guarantee holds even when a device opens more than one connection.
type Store struct {
	mu                 sync.RWMutex
	sessions           map[string]*Session
	idleTTL            time.Duration
	conversationWindow int
	onEvict            func(*Session)
}

func NewStore(idleTTL time.Duration, conversationWindow int) *Store {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	if conversationWindow <= 0 {
		conversationWindow = 50
	}
	return &Store{
		sessions:           make(map[string]*Session),
		idleTTL:            idleTTL,
		conversationWindow: conversationWindow,
	}
}

func (st *Store) SetEvictHook(hook func(*Session)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onEvict = hook
}

func (st *Store) Get(deviceID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Upsert creates the session on first hello and updates location on
// re-registration. Conversation history and mood survive re-registration.
func (st *Store) Upsert(deviceID, location string) *Session {
	now := time.Now().UTC()

	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[deviceID]
	if !ok {
		s = &Session{
			DeviceID:    deviceID,
			ConnectedAt: now,
			CurrentMood: "neutral",
			TurnState:   StateIdle,
		}
		st.sessions[deviceID] = s
	}
	if location != "" {
		s.Location = location
	}
	s.LastActivity = now
	return clone(s)
}

func (st *Store) Touch(deviceID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[deviceID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity = time.Now().UTC()
	return nil
}

// All returns a snapshot, never a live view.
func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, clone(s))
	}
	return out
}

func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// BeginTurn claims the device's single turn slot. It fails with ErrBusy when
// a turn is already in flight and returns the minted turn ID otherwise.
func (st *Store) BeginTurn(deviceID string, initial TurnState) (string, error) {
	if initial != StateAwaitingTranscript && initial != StateAwaitingResponse {
		return "", ErrBadInitialTurn
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[deviceID]
	if !ok {
		return "", ErrNotFound
	}
	if s.TurnState != StateIdle {
		return "", ErrBusy
	}
	turnID := uuid.NewString()
	s.TurnState = initial
	s.activeTurnID = turnID
	s.LastActivity = time.Now().UTC()
	return turnID, nil
}

// AdvanceTurn moves the in-flight turn forward one pipeline stage. The turn ID
// guards against a stale pipeline acting after its turn was reset.
func (st *Store) AdvanceTurn(deviceID, turnID string, from, to TurnState) error {
	if !validAdvance(from, to) {
		return ErrBadTransition
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[deviceID]
	if !ok {
		return ErrNotFound
	}
	if s.activeTurnID != turnID {
		return ErrStaleTurn
	}
	if s.TurnState != from {
		return ErrBadTransition
	}
	s.TurnState = to
	s.LastActivity = time.Now().UTC()
	return nil
}

// EndTurn returns the session to idle. Stale turn IDs are ignored so a dead
// pipeline cannot clobber a newer turn.
func (st *Store) EndTurn(deviceID, turnID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[deviceID]
	if !ok {
		return
	}
	if s.activeTurnID != turnID {
		return
	}
	s.TurnState = StateIdle
	s.activeTurnID = ""
	s.LastActivity = time.Now().UTC()
}

// AppendTurn records one conversation entry, keeping a rolling window.
func (st *Store) AppendTurn(deviceID string, record TurnRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[deviceID]
	if !ok {
		return ErrNotFound
	}
	s.Conversation = append(s.Conversation, record)
	if len(s.Conversation) > st.conversationWindow {
		s.Conversation = s.Conversation[len(s.Conversation)-st.conversationWindow:]
	}
	if record.Role == "assistant" && record.Mood != "" {
		s.CurrentMood = record.Mood
	}
	return nil
}

// Recent returns up to limit most recent conversation entries, oldest first.
func (st *Store) Recent(deviceID string, limit int) []TurnRecord {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[deviceID]
	if !ok || len(s.Conversation) == 0 {
		return nil
	}
	conv := s.Conversation
	if limit > 0 && limit < len(conv) {
		conv = conv[len(conv)-limit:]
	}
	out := make([]TurnRecord, len(conv))
	copy(out, conv)
	return out
}

// StartJanitor evicts sessions idle beyond the TTL. Sessions mid-turn are
// left alone until their pipeline resets them.
func (st *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.evictIdle()
			}
		}
	}()
}

func (st *Store) evictIdle() {
	now := time.Now().UTC()
	var evicted []*Session

	st.mu.Lock()
	for id, s := range st.sessions {
		if s.TurnState != StateIdle {
			continue
		}
		if now.Sub(s.LastActivity) < st.idleTTL {
			continue
		}
		evicted = append(evicted, clone(s))
		delete(st.sessions, id)
	}
	hook := st.onEvict
	st.mu.Unlock()

	if hook != nil {
		for _, s := range evicted {
			hook(s)
		}
	}
}

func validAdvance(from, to TurnState) bool {
	switch from {
	case StateAwaitingTranscript:
		return to == StateAwaitingResponse
	case StateAwaitingResponse:
		return to == StateAwaitingSynthesis
	default:
		return false
	}
}

func clone(s *Session) *Session {
	c := *s
	c.Conversation = make([]TurnRecord, len(s.Conversation))
	copy(c.Conversation, s.Conversation)
	return &c
}
