// Package transport opens single-use chat sessions over websocket. A session
// carries exactly one outbound request and yields the inbound text frames as
// an ordered channel of events that ends with one terminal event.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// EventKind tags an event produced by a session.
type EventKind int

const (
	// EventFrame carries one inbound text frame.
	EventFrame EventKind = iota
	// EventClosed reports a clean close by the peer. Terminal.
	EventClosed
	// EventFailed reports an abnormal close or a read error. Terminal.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one item of a session's inbound sequence.
type Event struct {
	Kind  EventKind
	Frame string
	Err   error
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool { return e.Kind != EventFrame }

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is one open session.
//
// Send may be called once. Events returns the same channel on every call; it
// delivers frames in arrival order, then exactly one terminal event, then is
// closed. Close releases the connection; it is safe to call more than once and
// from any goroutine.
type Conn interface {
	Send(ctx context.Context, v any) error
	Events() <-chan Event
	Close() error
}

var (
	ErrAlreadySent = errors.New("transport: request already sent on this session")
	ErrClosed      = errors.New("transport: session closed")
)

// Error describes a failed transport operation.
type Error struct {
	Op   string // "dial", "send", "read"
	Code int    // websocket close code, 0 when none was received
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transport %s: close %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
