package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/comigor/chatstream/internal/history"
)

const defaultTimeout = 3 * time.Second

// APIError is returned when the chat backend answers with a non-2xx status.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

// Client is a client for the chat history API.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a Client for baseURL (for example http://host/api).
// Every call is bounded by timeout; zero means three seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
	}
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

// Count returns the number of stored conversations.
func (c *Client) Count(ctx context.Context) (int, error) {
	var out dataEnvelope[struct {
		Length int `json:"length"`
	}]
	if err := c.do(ctx, "count conversations", http.MethodGet, "/chat/history/length", nil, &out); err != nil {
		return 0, err
	}
	return out.Data.Length, nil
}

// List returns up to limit summaries following the conversation after, most
// recent first. An empty after starts from the newest conversation.
func (c *Client) List(ctx context.Context, after string, limit int) ([]Summary, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/chat/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out dataEnvelope[[]Summary]
	if err := c.do(ctx, "list conversations", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// History returns the full message history of a conversation.
func (c *Client) History(ctx context.Context, id string) ([]history.Message, error) {
	var out dataEnvelope[[]history.Message]
	if err := c.do(ctx, "get conversation", http.MethodGet, "/chat/history/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Delete removes a conversation.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "delete conversation", http.MethodDelete, "/chat/history/"+url.PathEscape(id), nil, nil)
}

// Rename sets the title of a conversation.
func (c *Client) Rename(ctx context.Context, id, title string) error {
	body := map[string]string{"title": title}
	return c.do(ctx, "rename conversation", http.MethodPut, "/chat/history/"+url.PathEscape(id), body, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
