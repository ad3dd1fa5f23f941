package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comigor/chatstream/internal/logger"
)

const closeGracePeriod = time.Second

// WSDialer dials websocket sessions.
type WSDialer struct {
	dialer *websocket.Dialer
	header http.Header
}

// DialerOption configures a WSDialer.
type DialerOption func(*WSDialer)

// WithHandshakeTimeout bounds connection establishment. The stream itself is
// never timed out.
func WithHandshakeTimeout(d time.Duration) DialerOption {
	return func(w *WSDialer) { w.dialer.HandshakeTimeout = d }
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) DialerOption {
	return func(w *WSDialer) { w.header = h.Clone() }
}

// NewDialer creates a websocket dialer.
func NewDialer(opts ...DialerOption) *WSDialer {
	d := *websocket.DefaultDialer
	w := &WSDialer{dialer: &d}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dial opens a session. The returned Conn is ready for Send.
func (w *WSDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	ws, resp, err := w.dialer.DialContext(ctx, endpoint, w.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	logger.L.Debug("websocket session opened", "endpoint", endpoint)

	c := &wsConn{
		ws:     ws,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	events chan Event
	done   chan struct{}

	sent      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Send(ctx context.Context, v any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !c.sent.CompareAndSwap(false, true) {
		return ErrAlreadySent
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// Best effort; the peer may already be gone.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.ws.Close()
		logger.L.Debug("websocket session closed")
	})
	return c.closeErr
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.emit(terminalEvent(err))
			return
		}
		if !c.emit(Event{Kind: EventFrame, Frame: string(data)}) {
			return
		}
	}
}

// emit delivers ev unless the session has been closed locally.
func (c *wsConn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func terminalEvent(err error) Event {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return Event{Kind: EventClosed}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Event{Kind: EventFailed, Err: &Error{Op: "read", Code: ce.Code, Err: err}}
	}
	return Event{Kind: EventFailed, Err: &Error{Op: "read", Err: err}}
}
