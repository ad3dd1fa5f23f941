package turn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatstream/internal/conversation"
	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/session"
	"github.com/comigor/chatstream/internal/stream"
	"github.com/comigor/chatstream/internal/transport"
)

type mockConn struct {
	events   chan transport.Event
	sendErr  error
	mu       sync.Mutex
	sent     []any
	closes   atomic.Int32
	releases atomic.Int32
	once     sync.Once
}

func (m *mockConn) Send(ctx context.Context, v any) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, v)
	return nil
}

func (m *mockConn) requests() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.sent...)
}

func (m *mockConn) Events() <-chan transport.Event { return m.events }

func (m *mockConn) Close() error {
	m.closes.Add(1)
	m.once.Do(func() { m.releases.Add(1) })
	return nil
}

// scripted returns a conn that delivers frames followed by the given events.
func scripted(frames []string, tail ...transport.Event) *mockConn {
	ch := make(chan transport.Event, len(frames)+len(tail))
	for _, f := range frames {
		ch <- transport.Event{Kind: transport.EventFrame, Frame: f}
	}
	for _, ev := range tail {
		ch <- ev
	}
	if len(tail) > 0 {
		close(ch)
	}
	return &mockConn{events: ch}
}

type mockDialer struct {
	conns     []*mockConn
	err       error
	endpoints []string
}

func (d *mockDialer) Dial(ctx context.Context, endpoint string) (transport.Conn, error) {
	d.endpoints = append(d.endpoints, endpoint)
	if d.err != nil {
		return nil, d.err
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type mockIndex struct {
	mu    sync.Mutex
	added []conversation.Summary
}

func (m *mockIndex) InsertNew(s conversation.Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, s)
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []session.Notice
}

func (r *noticeRecorder) Notify(n session.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) all() []session.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Notice(nil), r.notices...)
}

type fixture struct {
	sess     *session.Session
	dialer   *mockDialer
	index    *mockIndex
	notices  *noticeRecorder
	ctrl     *Controller
	updates  atomic.Int32
	snapshot atomic.Value
}

func newFixture(conns ...*mockConn) *fixture {
	f := &fixture{
		sess:    session.New(),
		dialer:  &mockDialer{conns: conns},
		index:   &mockIndex{},
		notices: &noticeRecorder{},
	}
	f.ctrl = New(f.sess, f.dialer, "ws://chat.test/api/chat/ws",
		WithIndex(f.index),
		WithNotifier(f.notices),
		WithUpdateHandler(func(h []history.Message) {
			f.updates.Add(1)
			f.snapshot.Store(h)
		}),
	)
	return f
}

func lastContent(t *testing.T, s *session.Session) string {
	t.Helper()
	last, ok := history.Last(s.History())
	require.True(t, ok)
	require.Equal(t, history.RoleAssistant, last.Role)
	return last.Content
}

func TestSubmit_StreamsReply(t *testing.T) {
	conn := scripted([]string{"Hi", " there", "[DONE]"})
	f := newFixture(conn)

	res, err := f.ctrl.Submit(context.Background(), "hello", false)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.True(t, res.Outcome.Success())
	require.Equal(t, "Hi there", res.Reply)
	require.NotEmpty(t, res.TurnID)

	require.Equal(t, "Hi there", lastContent(t, f.sess))
	require.Equal(t, session.StateIdle, f.sess.State())
	require.Equal(t, []history.Message{
		{Role: history.RoleUser, Content: "hello"},
		{Role: history.RoleAssistant, Content: "Hi there"},
	}, f.sess.History())

	require.Len(t, conn.requests(), 1)
	require.Equal(t, stream.Envelope{Messages: []history.Message{{Role: history.RoleUser, Content: "hello"}}}, conn.requests()[0])
	require.Equal(t, int32(1), conn.releases.Load())
	require.Equal(t, []string{"ws://chat.test/api/chat/ws"}, f.dialer.endpoints)

	// One update for the appended turn and one per delta.
	require.Equal(t, int32(3), f.updates.Load())
	require.Equal(t, f.sess.History(), f.snapshot.Load())
	require.Empty(t, f.notices.all())
	require.Empty(t, f.index.added)
}

func TestSubmit_AssignsIdentifier(t *testing.T) {
	f := newFixture(scripted([]string{"[CHAT_ID]:xyz", "ok", "[DONE]"}))

	res, err := f.ctrl.Submit(context.Background(), "hi", false)
	require.NoError(t, err)
	require.Equal(t, "xyz", res.ConversationID)
	require.Equal(t, "xyz", f.sess.ID())
	require.Equal(t, []conversation.Summary{{ID: "xyz", Label: "hi"}}, f.index.added)
	require.Equal(t, "ok", lastContent(t, f.sess))
}

func TestSubmit_FirstIdentifierWins(t *testing.T) {
	f := newFixture(scripted([]string{"[CHAT_ID]:abc123", "a", "[CHAT_ID]:other", "b", "[DONE]"}))

	_, err := f.ctrl.Submit(context.Background(), "q", false)
	require.NoError(t, err)
	require.Equal(t, "abc123", f.sess.ID())
	require.Len(t, f.index.added, 1)
	require.Equal(t, "ab", lastContent(t, f.sess), "identifier frames must not interrupt deltas")
}

func TestSubmit_FollowUpCarriesIdentifierAndHistory(t *testing.T) {
	second := scripted([]string{"[CHAT_ID]:ignored", "fine", "[DONE]"})
	f := newFixture(scripted([]string{"[CHAT_ID]:c1", "first", "[DONE]"}), second)

	_, err := f.ctrl.Submit(context.Background(), "one", false)
	require.NoError(t, err)
	_, err = f.ctrl.Submit(context.Background(), "two", true)
	require.NoError(t, err)

	require.Equal(t, stream.Envelope{
		ID: "c1",
		Messages: []history.Message{
			{Role: history.RoleUser, Content: "one"},
			{Role: history.RoleAssistant, Content: "first"},
			{Role: history.RoleUser, Content: "two", DeepThinking: true},
		},
	}, second.requests()[0])
	require.Equal(t, "c1", f.sess.ID())
	require.Len(t, f.index.added, 1)
	require.Len(t, f.sess.History(), 4)
	require.NoError(t, history.Validate(f.sess.History()))
}

func TestSubmit_AbnormalCloseWithoutFrames(t *testing.T) {
	cause := &transport.Error{Op: "read", Code: 1006, Err: errors.New("unexpected EOF")}
	conn := scripted(nil, transport.Event{Kind: transport.EventFailed, Err: cause})
	f := newFixture(conn)

	res, err := f.ctrl.Submit(context.Background(), "hello", false)
	require.ErrorIs(t, err, cause)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, "", res.Reply)
	require.Equal(t, "", lastContent(t, f.sess))
	require.Equal(t, session.StateIdle, f.sess.State())

	notices := f.notices.all()
	require.Len(t, notices, 1)
	require.Equal(t, session.LevelError, notices[0].Level)
	require.Equal(t, int32(1), conn.releases.Load())
}

func TestSubmit_FailureKeepsPartialReply(t *testing.T) {
	conn := scripted([]string{"par", "tial"}, transport.Event{Kind: transport.EventFailed, Err: errors.New("reset")})
	f := newFixture(conn)

	res, err := f.ctrl.Submit(context.Background(), "q", false)
	require.Error(t, err)
	require.Equal(t, "partial", res.Reply)
	require.Equal(t, "partial", lastContent(t, f.sess))
}

func TestSubmit_CleanCloseWithoutSentinel(t *testing.T) {
	f := newFixture(scripted([]string{"done early"}, transport.Event{Kind: transport.EventClosed}))

	res, err := f.ctrl.Submit(context.Background(), "q", false)
	require.NoError(t, err)
	require.Equal(t, OutcomeClosed, res.Outcome)
	require.True(t, res.Outcome.Success())
	require.Equal(t, "done early", res.Reply)
	require.Empty(t, f.notices.all())
}

func TestSubmit_DialFailure(t *testing.T) {
	f := newFixture()
	f.dialer.err = &transport.Error{Op: "dial", Err: errors.New("connection refused")}

	res, err := f.ctrl.Submit(context.Background(), "q", false)
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, session.StateIdle, f.sess.State())
	require.Len(t, f.sess.History(), 2)
	require.Len(t, f.notices.all(), 1)
}

func TestSubmit_SendFailure(t *testing.T) {
	conn := scripted(nil)
	conn.sendErr = errors.New("broken pipe")
	f := newFixture(conn)

	res, err := f.ctrl.Submit(context.Background(), "q", false)
	require.ErrorIs(t, err, conn.sendErr)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, int32(1), conn.releases.Load())
}

func TestSubmit_RejectsEmptyInput(t *testing.T) {
	f := newFixture()

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := f.ctrl.Submit(context.Background(), text, false)
		require.ErrorIs(t, err, ErrEmptyInput)
	}
	require.Nil(t, f.sess.History())
	require.Empty(t, f.dialer.endpoints)
	require.Len(t, f.notices.all(), 3)
	require.Equal(t, session.LevelWarning, f.notices.all()[0].Level)
}

func TestSubmit_RejectsWhileSending(t *testing.T) {
	conn := &mockConn{events: make(chan transport.Event)}
	f := newFixture(conn)

	done := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Submit(context.Background(), "first", false)
		done <- res
	}()
	require.Eventually(t, func() bool { return len(conn.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	conn.events <- transport.Event{Kind: transport.EventFrame, Frame: "stream"}
	require.Eventually(t, func() bool { return lastContent(t, f.sess) == "stream" }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, session.StateSending, f.sess.State())

	before := f.sess.History()
	_, err := f.ctrl.Submit(context.Background(), "second", false)
	require.ErrorIs(t, err, ErrTurnInProgress)
	after := f.sess.History()
	require.Len(t, after, len(before))
	require.Same(t, &before[0], &after[0], "rejected turn must not replace the buffer")
	require.Equal(t, session.StateSending, f.sess.State())
	require.ErrorIs(t, f.ctrl.NewConversation(), ErrTurnInProgress)

	conn.events <- transport.Event{Kind: transport.EventFrame, Frame: "[DONE]"}
	res := <-done
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "stream", res.Reply)
	require.Len(t, f.notices.all(), 2)
}

func TestSubmit_ContextCancelClosesConnection(t *testing.T) {
	conn := &mockConn{events: make(chan transport.Event)}
	f := newFixture(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Submit(ctx, "q", false)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.sess.State() == session.StateSending && len(conn.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after cancellation")
	}
	require.Equal(t, int32(1), conn.releases.Load())
	require.Equal(t, session.StateIdle, f.sess.State())
}

func TestNewConversation(t *testing.T) {
	f := newFixture(scripted([]string{"[CHAT_ID]:c1", "a", "[DONE]"}))
	_, err := f.ctrl.Submit(context.Background(), "q", false)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.NewConversation())
	require.Empty(t, f.sess.ID())
	require.Empty(t, f.sess.History())
}

func TestSubmit_ClearsSessionDeletedDuringTurn(t *testing.T) {
	conn := &mockConn{events: make(chan transport.Event)}
	f := newFixture(conn)

	done := make(chan Result, 1)
	go func() {
		res, _ := f.ctrl.Submit(context.Background(), "q", false)
		done <- res
	}()
	require.Eventually(t, func() bool { return len(conn.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	conn.events <- transport.Event{Kind: transport.EventFrame, Frame: "[CHAT_ID]:gone"}
	conn.events <- transport.Event{Kind: transport.EventFrame, Frame: "partial"}
	require.Eventually(t, func() bool { return lastContent(t, f.sess) == "partial" }, 2*time.Second, 5*time.Millisecond)

	_, err := f.sess.ClearIf("gone")
	require.ErrorIs(t, err, session.ErrBusy)

	conn.events <- transport.Event{Kind: transport.EventFrame, Frame: "[DONE]"}
	res := <-done
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "gone", res.ConversationID)
	require.Equal(t, "partial", res.Reply)
	require.Empty(t, f.sess.ID())
	require.Nil(t, f.sess.History())
	require.Nil(t, f.snapshot.Load())
}

func TestUpdateHandler_SeesLoadedAndClearedHistory(t *testing.T) {
	f := newFixture()
	msgs := []history.Message{
		{Role: history.RoleUser, Content: "q"},
		{Role: history.RoleAssistant, Content: "a"},
	}

	require.NoError(t, f.sess.Load("c1", msgs))
	require.Equal(t, msgs, f.snapshot.Load())

	require.NoError(t, f.ctrl.NewConversation())
	require.Nil(t, f.snapshot.Load())
	require.Equal(t, int32(2), f.updates.Load())
}
