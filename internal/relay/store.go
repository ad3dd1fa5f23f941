package relay

import (
	"slices"
	"sync"

	"github.com/comigor/chatstream/internal/conversation"
	"github.com/comigor/chatstream/internal/history"
)

type storedConversation struct {
	title    string
	messages []history.Message
}

// Store keeps conversations in memory, newest first.
type Store struct {
	mu    sync.RWMutex
	convs map[string]*storedConversation
	order []string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{convs: make(map[string]*storedConversation)}
}

// Create adds an empty conversation at the top of the list. It is a no-op if
// id already exists.
func (s *Store) Create(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; ok {
		return
	}
	s.convs[id] = &storedConversation{title: title}
	s.order = slices.Insert(s.order, 0, id)
}

// Save replaces the messages of a conversation, creating it if needed.
func (s *Store) Save(id, title string, msgs []history.Message) {
	s.Create(id, title)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id].messages = history.Clone(msgs)
}

// Count returns the number of conversations.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// List returns up to limit summaries after the conversation with id after.
// An unknown cursor yields an empty page; limit <= 0 means no limit.
func (s *Store) List(after string, limit int) []conversation.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if after != "" {
		i := slices.Index(s.order, after)
		if i < 0 {
			return []conversation.Summary{}
		}
		start = i + 1
	}
	end := len(s.order)
	if limit > 0 {
		end = min(start+limit, end)
	}

	out := make([]conversation.Summary, 0, end-start)
	for _, id := range s.order[start:end] {
		out = append(out, conversation.Summary{ID: id, Label: s.convs[id].title})
	}
	return out
}

// Get returns the messages of a conversation.
func (s *Store) Get(id string) ([]history.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, false
	}
	return history.Clone(c.messages), true
}

// Delete removes a conversation and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return false
	}
	delete(s.convs, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return true
}

// Rename sets the title of a conversation and reports whether it existed.
func (s *Store) Rename(id, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if ok {
		c.title = title
	}
	return ok
}
