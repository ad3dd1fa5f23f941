// Package conversation keeps the list of past conversations and talks to the
// chat history API on its behalf.
package conversation

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/session"
)

// Summary is one entry of the conversation list. An empty ID marks a
// conversation the server has not identified yet.
type Summary struct {
	ID    string `json:"key"`
	Label string `json:"label"`
}

// Remote is the subset of the history API the index depends on; *Client
// implements it.
type Remote interface {
	Count(ctx context.Context) (int, error)
	List(ctx context.Context, after string, limit int) ([]Summary, error)
	History(ctx context.Context, id string) ([]history.Message, error)
	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, id, title string) error
}

const defaultPageSize = 20

// Index is the most-recent-first conversation list of one session. Remote
// effects always complete before the local list or the session change.
type Index struct {
	remote   Remote
	sess     *session.Session
	notifier session.Notifier
	pageSize int

	mu        sync.Mutex
	items     []Summary
	total     int
	exhausted bool
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithPageSize sets how many summaries LoadMore requests at once.
func WithPageSize(n int) IndexOption {
	return func(x *Index) {
		if n > 0 {
			x.pageSize = n
		}
	}
}

// WithNotifier sets where failure notices go.
func WithNotifier(n session.Notifier) IndexOption {
	return func(x *Index) { x.notifier = n }
}

// NewIndex creates an empty index bound to sess.
func NewIndex(remote Remote, sess *session.Session, opts ...IndexOption) *Index {
	x := &Index{
		remote:   remote,
		sess:     sess,
		notifier: session.Discard,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Items returns a snapshot of the loaded summaries.
func (x *Index) Items() []Summary {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.items)
}

// Total returns the server-side conversation count as last known.
func (x *Index) Total() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.total
}

// HasMore reports whether LoadMore may return further summaries.
func (x *Index) HasMore() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return !x.exhausted && len(x.items) < x.total
}

// Refresh drops the loaded list, re-reads the count and loads the first page.
func (x *Index) Refresh(ctx context.Context) error {
	total, err := x.remote.Count(ctx)
	if err != nil {
		return x.fail("Could not load the conversation count", err)
	}
	page, err := x.remote.List(ctx, "", x.pageSize)
	if err != nil {
		return x.fail("Could not load conversations", err)
	}

	x.mu.Lock()
	x.total = total
	x.items = nil
	x.exhausted = false
	x.appendPage(page)
	x.mu.Unlock()
	return nil
}

// LoadMore fetches the page after the last loaded summary and returns the
// summaries it added.
func (x *Index) LoadMore(ctx context.Context) ([]Summary, error) {
	x.mu.Lock()
	after := ""
	if n := len(x.items); n > 0 {
		after = x.items[n-1].ID
	}
	x.mu.Unlock()

	page, err := x.remote.List(ctx, after, x.pageSize)
	if err != nil {
		return nil, x.fail("Could not load more conversations", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.appendPage(page), nil
}

// appendPage must be called with mu held.
func (x *Index) appendPage(page []Summary) []Summary {
	if len(page) < x.pageSize {
		x.exhausted = true
	}
	var added []Summary
	for _, s := range page {
		if x.indexOf(s.ID) >= 0 {
			continue
		}
		x.items = append(x.items, s)
		added = append(added, s)
	}
	if len(x.items) > x.total {
		x.total = len(x.items)
	}
	return added
}

// InsertNew puts a freshly created conversation at the top of the list.
func (x *Index) InsertNew(s Summary) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s.ID != "" && x.indexOf(s.ID) >= 0 {
		return
	}
	x.items = slices.Insert(x.items, 0, s)
	x.total++
}

// Remove deletes a conversation on the server and then from the list. When
// it is the session's bound conversation the session is cleared as well, or
// once the turn that raced the deletion has settled.
func (x *Index) Remove(ctx context.Context, id string) error {
	if id == x.sess.ID() && x.sess.State() == session.StateSending {
		return x.warn("Wait for the current reply before deleting this conversation", session.ErrBusy)
	}
	if err := x.remote.Delete(ctx, id); err != nil {
		return x.fail("Could not delete the conversation", err)
	}

	x.mu.Lock()
	if i := x.indexOf(id); i >= 0 {
		x.items = slices.Delete(x.items, i, i+1)
	}
	if x.total > 0 {
		x.total--
	}
	x.mu.Unlock()

	cleared, err := x.sess.ClearIf(id)
	if errors.Is(err, session.ErrBusy) {
		// A turn started after the check above; the session is cleared when
		// it settles.
		logger.L.Info("conversation deleted, session clears after the current turn", "id", id)
		return nil
	}
	logger.L.Info("conversation deleted", "id", id, "session_cleared", cleared)
	return nil
}

// Rename retitles a conversation on the server and then in the list.
func (x *Index) Rename(ctx context.Context, id, title string) error {
	if err := x.remote.Rename(ctx, id, title); err != nil {
		return x.fail("Could not rename the conversation", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if i := x.indexOf(id); i >= 0 {
		x.items[i].Label = title
	}
	return nil
}

// Open loads the full history of a conversation into the session and binds
// its id. The session is left untouched when the fetch fails.
func (x *Index) Open(ctx context.Context, id string) error {
	if x.sess.State() == session.StateSending {
		return x.warn("Wait for the current reply to finish", session.ErrBusy)
	}
	msgs, err := x.remote.History(ctx, id)
	if err != nil {
		return x.fail("Could not load the conversation", err)
	}
	if err := history.Validate(msgs); err != nil {
		logger.L.Warn("conversation history has irregular roles", "id", id, "error", err)
	}
	if err := x.sess.Load(id, msgs); err != nil {
		return x.warn("Wait for the current reply to finish", err)
	}
	return nil
}

// indexOf must be called with mu held.
func (x *Index) indexOf(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(x.items, func(s Summary) bool { return s.ID == id })
}

func (x *Index) fail(msg string, err error) error {
	logger.L.Error(msg, "error", err)
	x.notifier.Notify(session.Notice{Level: session.LevelError, Message: msg, Err: err})
	return err
}

func (x *Index) warn(msg string, err error) error {
	x.notifier.Notify(session.Notice{Level: session.LevelWarning, Message: msg, Err: err})
	return err
}
