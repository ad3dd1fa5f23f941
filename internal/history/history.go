// Package history holds the ordered conversation buffer and its mutation rules.
// Every function returns a fresh slice and leaves its input untouched, so a
// caller may keep publishing old snapshots while a turn streams.
package history

import "fmt"

// AppendTurn appends the user message and an empty assistant placeholder.
// It returns the new buffer and the index of the placeholder.
func AppendTurn(h []Message, userText string, deepThinking bool) ([]Message, int) {
	out := make([]Message, len(h), len(h)+2)
	copy(out, h)
	out = append(out,
		Message{Role: RoleUser, Content: userText, DeepThinking: deepThinking},
		Message{Role: RoleAssistant},
	)
	return out, len(out) - 1
}

// ApplyDelta appends text to the trailing assistant message. When the buffer
// is empty or does not end with an assistant message the delta is dropped and
// h is returned as is.
func ApplyDelta(h []Message, text string) []Message {
	if len(h) == 0 || h[len(h)-1].Role != RoleAssistant {
		return h
	}
	out := Clone(h)
	out[len(out)-1].Content += text
	return out
}

// Clone returns a copy of h that shares no backing array with it.
func Clone(h []Message) []Message {
	if h == nil {
		return nil
	}
	out := make([]Message, len(h))
	copy(out, h)
	return out
}

// Last returns the final message, if any.
func Last(h []Message) (Message, bool) {
	if len(h) == 0 {
		return Message{}, false
	}
	return h[len(h)-1], true
}

// Validate reports the first message with an unknown role or one that
// repeats the role of its predecessor.
func Validate(h []Message) error {
	for i, m := range h {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		if i > 0 && h[i-1].Role == m.Role {
			return fmt.Errorf("message %d: consecutive %s messages", i, m.Role)
		}
	}
	return nil
}
