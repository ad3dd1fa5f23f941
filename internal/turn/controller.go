// Package turn drives one request/response cycle of a chat session: it
// appends the turn to the history, sends the request over a fresh transport
// session and folds the streamed frames back into the history.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/chatstream/internal/conversation"
	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/metrics"
	"github.com/comigor/chatstream/internal/session"
	"github.com/comigor/chatstream/internal/stream"
	"github.com/comigor/chatstream/internal/transport"
)

// FSM Triggers
type fsmTrigger string

const (
	triggerSubmit     fsmTrigger = "Submit"
	triggerDelta      fsmTrigger = "ContentDelta"
	triggerIdentifier fsmTrigger = "IdentifierAssigned"
	triggerComplete   fsmTrigger = "Completion"
	triggerClose      fsmTrigger = "TransportClosed"
	triggerFail       fsmTrigger = "TransportFailed"
)

// Outcome is how a turn that got past the guards ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // completion sentinel received
	OutcomeClosed    Outcome = "closed"    // peer closed cleanly without a sentinel
	OutcomeFailed    Outcome = "failed"
)

// Success reports whether the turn ended without a transport failure.
func (o Outcome) Success() bool { return o == OutcomeCompleted || o == OutcomeClosed }

var (
	ErrTurnInProgress = errors.New("turn: a reply is still streaming")
	ErrEmptyInput     = errors.New("turn: message is empty")
)

// Result describes a finished turn. Reply is whatever the assistant message
// held at the end, partial content included.
type Result struct {
	TurnID         string
	Outcome        Outcome
	ConversationID string
	Reply          string
	Err            error
}

// Indexer receives conversations created by a turn. *conversation.Index
// implements it.
type Indexer interface {
	InsertNew(conversation.Summary)
}

// Controller runs turns for one session. Turns never overlap: Submit refuses
// to start while another turn is sending.
type Controller struct {
	sess     *session.Session
	dialer   transport.Dialer
	endpoint string
	index    Indexer
	notifier session.Notifier
	onUpdate func([]history.Message)

	// mu serialises everything that fires the state machine, so the guard
	// check and the transition to Sending are atomic. Actions run with mu held.
	mu     sync.Mutex
	fsm    *stateless.StateMachine
	active *activeTurn
}

type activeTurn struct {
	id       string
	text     string
	deep     bool
	envelope stream.Envelope
	cause    error
	result   Result
	log      *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithIndex sets the conversation list that learns about new conversations.
func WithIndex(idx Indexer) Option {
	return func(c *Controller) { c.index = idx }
}

// WithNotifier sets where user-visible notices go.
func WithNotifier(n session.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithUpdateHandler sets a function called with every new history snapshot
// of the session, whether it comes from a turn, a loaded conversation or a
// reset. It must not block or call back into the controller.
func WithUpdateHandler(fn func([]history.Message)) Option {
	return func(c *Controller) { c.onUpdate = fn }
}

// New creates a Controller that opens sessions to endpoint through dialer.
func New(sess *session.Session, dialer transport.Dialer, endpoint string, opts ...Option) *Controller {
	c := &Controller{
		sess:     sess,
		dialer:   dialer,
		endpoint: endpoint,
		notifier: session.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.onUpdate != nil {
		sess.Observe(c.onUpdate)
	}
	c.fsm = c.newStateMachine()
	return c
}

// The session is the state storage, so anything reading it sees the same
// sending flag the machine acts on.
func (c *Controller) newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return c.sess.State(), nil
		},
		func(_ context.Context, s stateless.State) error {
			c.sess.SetState(s.(session.TurnState))
			return nil
		},
		stateless.FiringImmediate,
	)

	// State: Idle
	// Entered at the end of every turn; the entry action records the outcome.
	fsm.Configure(session.StateIdle).
		Permit(triggerSubmit, session.StateSending).
		OnEntryFrom(triggerComplete, func(ctx context.Context, args ...any) error {
			c.settle(OutcomeCompleted)
			return nil
		}).
		OnEntryFrom(triggerClose, func(ctx context.Context, args ...any) error {
			c.settle(OutcomeClosed)
			return nil
		}).
		OnEntryFrom(triggerFail, func(ctx context.Context, args ...any) error {
			c.settle(OutcomeFailed)
			c.notifier.Notify(session.Notice{
				Level:   session.LevelError,
				Message: "The conversation closed unexpectedly",
				Err:     c.active.cause,
			})
			return nil
		})

	// State: Sending
	// Entry appends the user message and the assistant placeholder. Frames are
	// internal transitions; any terminal event returns to Idle.
	fsm.Configure(session.StateSending).
		OnEntryFrom(triggerSubmit, func(ctx context.Context, args ...any) error {
			t := c.active
			h := c.sess.Update(func(h []history.Message) []history.Message {
				out, _ := history.AppendTurn(h, t.text, t.deep)
				return out
			})
			t.envelope = stream.Envelope{Messages: h[:len(h)-1], ID: c.sess.ID()}
			return nil
		}).
		InternalTransition(triggerDelta, func(ctx context.Context, args ...any) error {
			text := args[0].(string)
			c.sess.Update(func(h []history.Message) []history.Message {
				return history.ApplyDelta(h, text)
			})
			return nil
		}).
		InternalTransition(triggerIdentifier, func(ctx context.Context, args ...any) error {
			id := args[0].(string)
			t := c.active
			if !c.sess.Bind(id) {
				t.log.Warn("ignoring conversation id, one is already bound", "bound", c.sess.ID(), "received", id)
				return nil
			}
			t.log.Info("conversation id assigned", "conversation_id", id)
			if c.index != nil {
				c.index.InsertNew(conversation.Summary{ID: id, Label: t.text})
			}
			return nil
		}).
		Permit(triggerComplete, session.StateIdle).
		Permit(triggerClose, session.StateIdle).
		Permit(triggerFail, session.StateIdle)

	return fsm
}

// Submit runs one turn with text as the user message and blocks until the
// reply completes or fails. Guard rejections return ErrEmptyInput or
// ErrTurnInProgress and change nothing. A failed turn returns its Result
// together with the transport error; the partial reply stays in the history.
// Cancelling ctx closes the connection and fails the turn.
func (c *Controller) Submit(ctx context.Context, text string, deepThinking bool) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, c.reject("empty", "Type a message before sending", ErrEmptyInput)
	}

	t := &activeTurn{id: uuid.NewString(), text: text, deep: deepThinking}
	t.log = logger.L.With("turn_id", t.id)

	c.mu.Lock()
	if ok, err := c.fsm.CanFireCtx(ctx, triggerSubmit); err != nil || !ok {
		c.mu.Unlock()
		return Result{}, c.reject("busy", "Wait for the current reply to finish", ErrTurnInProgress)
	}
	c.active = t
	err := c.fsm.FireCtx(ctx, triggerSubmit)
	c.mu.Unlock()
	if err != nil {
		// Not reachable with the configuration above.
		return Result{}, fmt.Errorf("start turn: %w", err)
	}
	t.log.Info("turn started", "messages", len(t.envelope.Messages), "conversation_id", t.envelope.ID, "deep_thinking", deepThinking)

	conn, err := c.dialer.Dial(ctx, c.endpoint)
	if err != nil {
		return c.finish(ctx, nil, triggerFail, err)
	}
	defer conn.Close()

	if err := conn.Send(ctx, t.envelope); err != nil {
		return c.finish(ctx, conn, triggerFail, err)
	}
	return c.consume(ctx, conn)
}

// consume is the turn's control loop; receiving from the transport is its
// only blocking point.
func (c *Controller) consume(ctx context.Context, conn transport.Conn) (Result, error) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return c.finish(ctx, conn, triggerFail, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return c.finish(ctx, conn, triggerFail, transport.ErrClosed)
			}
			switch ev.Kind {
			case transport.EventClosed:
				return c.finish(ctx, conn, triggerClose, nil)
			case transport.EventFailed:
				return c.finish(ctx, conn, triggerFail, ev.Err)
			}

			dec := stream.Classify(ev.Frame)
			metrics.Frames.WithLabelValues(dec.Kind.String()).Inc()
			switch dec.Kind {
			case stream.Completion:
				return c.finish(ctx, conn, triggerComplete, nil)
			case stream.IdentifierAssigned:
				c.fire(ctx, triggerIdentifier, dec.ID)
			default:
				c.fire(ctx, triggerDelta, dec.Text)
			}
		}
	}
}

func (c *Controller) fire(ctx context.Context, trigger fsmTrigger, arg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fsm.FireCtx(context.WithoutCancel(ctx), trigger, arg); err != nil {
		c.active.log.Error("FSM fire error", "trigger", trigger, "error", err)
	}
}

// finish releases the connection and moves the machine back to Idle.
func (c *Controller) finish(ctx context.Context, conn transport.Conn, trigger fsmTrigger, cause error) (Result, error) {
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.active.log.Debug("transport close error", "error", err)
		}
	}

	c.mu.Lock()
	t := c.active
	t.cause = cause
	if err := c.fsm.FireCtx(context.WithoutCancel(ctx), trigger); err != nil {
		t.log.Error("FSM fire error", "trigger", trigger, "error", err)
	}
	if c.sess.Settle() {
		t.log.Info("conversation deleted during the turn, session cleared", "conversation_id", t.result.ConversationID)
	}
	c.active = nil
	c.mu.Unlock()

	if t.result.Outcome == OutcomeFailed {
		return t.result, t.result.Err
	}
	return t.result, nil
}

// settle fills in the result of the active turn. Runs on entry to Idle.
func (c *Controller) settle(outcome Outcome) {
	t := c.active
	reply := ""
	if last, ok := history.Last(c.sess.History()); ok && last.Role == history.RoleAssistant {
		reply = last.Content
	}
	t.result = Result{
		TurnID:         t.id,
		Outcome:        outcome,
		ConversationID: c.sess.ID(),
		Reply:          reply,
	}
	if outcome == OutcomeFailed {
		t.result.Err = t.cause
		if t.result.Err == nil {
			t.result.Err = transport.ErrClosed
		}
		t.log.Error("turn failed", "error", t.result.Err, "partial_bytes", len(reply))
	} else {
		t.log.Info("turn finished", "outcome", outcome, "conversation_id", t.result.ConversationID, "reply_bytes", len(reply))
	}
	metrics.Turns.WithLabelValues(string(outcome)).Inc()
}

// NewConversation unbinds the current conversation and clears the history.
// It is refused while a turn is sending.
func (c *Controller) NewConversation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sess.Reset(); err != nil {
		return c.reject("busy", "Wait for the current reply to finish", ErrTurnInProgress)
	}
	return nil
}

// Session returns the session the controller drives.
func (c *Controller) Session() *session.Session { return c.sess }

func (c *Controller) reject(reason, msg string, err error) error {
	metrics.Rejections.WithLabelValues(reason).Inc()
	logger.L.Warn("turn rejected", "reason", reason)
	c.notifier.Notify(session.Notice{Level: session.LevelWarning, Message: msg, Err: err})
	return err
}
