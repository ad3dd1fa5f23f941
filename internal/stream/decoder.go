// Package stream implements the text frame protocol spoken over a chat
// session: the outbound request envelope and the classification of inbound
// frames.
package stream

import "strings"

const (
	// DoneFrame terminates a reply stream.
	DoneFrame = "[DONE]"
	// IdentifierPrefix introduces the server-assigned conversation id.
	IdentifierPrefix = "[CHAT_ID]:"
)

// Kind tags a decoded frame.
type Kind int

const (
	ContentDelta Kind = iota
	IdentifierAssigned
	Completion
)

func (k Kind) String() string {
	switch k {
	case Completion:
		return "completion"
	case IdentifierAssigned:
		return "identifier"
	default:
		return "delta"
	}
}

// Event is one classified inbound frame. Text is set for ContentDelta and ID
// for IdentifierAssigned.
type Event struct {
	Kind Kind
	Text string
	ID   string
}

// Classify decodes a raw frame. Sentinels are matched first; anything that is
// not a sentinel is content, so unknown control frames degrade to text.
// Content that happens to start with a reserved prefix is indistinguishable
// from a control frame.
func Classify(frame string) Event {
	switch {
	case frame == DoneFrame:
		return Event{Kind: Completion}
	case strings.HasPrefix(frame, IdentifierPrefix):
		return Event{Kind: IdentifierAssigned, ID: frame[len(IdentifierPrefix):]}
	default:
		return Event{Kind: ContentDelta, Text: frame}
	}
}

// IdentifierFrame encodes an id assignment.
func IdentifierFrame(id string) string {
	return IdentifierPrefix + id
}
