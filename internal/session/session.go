// Package session bundles the state of one chat view: the bound conversation
// id, the displayed history and the turn state. Several sessions can coexist
// in one process without sharing anything.
package session

import (
	"errors"
	"sync"

	"github.com/comigor/chatstream/internal/history"
)

// TurnState is the sending flag of a session.
type TurnState string

const (
	StateIdle    TurnState = "idle"
	StateSending TurnState = "sending"
)

// ErrBusy is returned by operations that replace the history while a turn is
// streaming into it.
var ErrBusy = errors.New("session: a turn is in progress")

// Session is safe for concurrent use. Readers get snapshots; the history
// slice they receive is never mutated afterwards.
type Session struct {
	// publishMu is held across a history change and its notification, so
	// observers see snapshots in the order they were made. It is taken
	// before mu.
	publishMu sync.Mutex
	observers []func([]history.Message)

	mu           sync.RWMutex
	id           string
	history      []history.Message
	state        TurnState
	pendingClear string
}

// New returns an idle session with no conversation bound.
func New() *Session {
	return &Session{state: StateIdle}
}

// ID returns the bound conversation id, or "" when none is bound.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Bind binds id if no conversation is bound yet and reports whether it did.
func (s *Session) Bind(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" || id == "" {
		return false
	}
	s.id = id
	return true
}

// History returns the current history snapshot.
func (s *Session) History() []history.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history
}

// State returns the turn state. A zero Session is idle.
func (s *Session) State() TurnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == "" {
		return StateIdle
	}
	return s.state
}

// SetState stores the turn state.
func (s *Session) SetState(st TurnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Observe registers fn to receive every new history snapshot, including
// the nil snapshot of a cleared session. fn may read the session but must
// not change it.
func (s *Session) Observe(fn func([]history.Message)) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.observers = append(s.observers, fn)
}

// notify must be called with publishMu held and mu released.
func (s *Session) notify(h []history.Message) {
	for _, fn := range s.observers {
		fn(h)
	}
}

// Update replaces the history with fn applied to the current snapshot and
// returns the result.
func (s *Session) Update(fn func([]history.Message) []history.Message) []history.Message {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	s.history = fn(s.history)
	h := s.history
	s.mu.Unlock()

	s.notify(h)
	return h
}

// Load binds id and replaces the history while no turn is streaming.
func (s *Session) Load(id string, h []history.Message) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if s.state == StateSending {
		s.mu.Unlock()
		return ErrBusy
	}
	s.id = id
	s.history = history.Clone(h)
	s.pendingClear = ""
	snap := s.history
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Reset unbinds the conversation and clears the history while no turn is
// streaming.
func (s *Session) Reset() error {
	return s.Load("", nil)
}

// ClearIf resets the session when id is the bound conversation and reports
// whether it did. While a turn is sending it returns ErrBusy and the clear is
// held back until Settle.
func (s *Session) ClearIf(id string) (bool, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if id == "" || s.id != id {
		s.mu.Unlock()
		return false, nil
	}
	if s.state == StateSending {
		s.pendingClear = id
		s.mu.Unlock()
		return false, ErrBusy
	}
	s.clearLocked()
	s.mu.Unlock()

	s.notify(nil)
	return true, nil
}

// Settle applies a clear that ClearIf held back and reports whether the
// session was cleared. It is a no-op while a turn is sending.
func (s *Session) Settle() bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if s.state == StateSending || s.pendingClear == "" {
		s.mu.Unlock()
		return false
	}
	pending := s.pendingClear
	s.pendingClear = ""
	if s.id != pending {
		s.mu.Unlock()
		return false
	}
	s.clearLocked()
	s.mu.Unlock()

	s.notify(nil)
	return true
}

func (s *Session) clearLocked() {
	s.id = ""
	s.history = nil
	s.pendingClear = ""
}
