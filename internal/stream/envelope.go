package stream

import "github.com/comigor/chatstream/internal/history"

// Envelope is the single request sent at the start of a turn. Messages holds
// the conversation up to and including the new user message; ID is set only
// when continuing an identified conversation.
type Envelope struct {
	Messages []history.Message `json:"messages"`
	ID       string            `json:"id,omitempty"`
}

// DeepThinking reports whether the latest user message asked for it.
func (e Envelope) DeepThinking() bool {
	for i := len(e.Messages) - 1; i >= 0; i-- {
		if e.Messages[i].Role == history.RoleUser {
			return e.Messages[i].DeepThinking
		}
	}
	return false
}
