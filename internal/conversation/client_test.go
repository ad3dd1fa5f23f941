package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatstream/internal/history"
)

func TestClient_Endpoints(t *testing.T) {
	var renamedTo string
	var deleted string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/history/length", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"length":7}}`))
	})
	mux.HandleFunc("GET /api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "c1", r.URL.Query().Get("after"))
		require.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"data":[{"key":"c2","label":"two"},{"key":"c3","label":"three"}]}`))
	})
	mux.HandleFunc("GET /api/chat/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "c2", r.PathValue("id"))
		w.Write([]byte(`{"data":[{"role":"user","content":"q","isDeepThinking":true},{"role":"assistant","content":"a"}]}`))
	})
	mux.HandleFunc("DELETE /api/chat/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("id")
		w.Write([]byte(`{"code":0}`))
	})
	mux.HandleFunc("PUT /api/chat/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Title string `json:"title"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		renamedTo = r.PathValue("id") + "=" + body.Title
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/api/", time.Second)
	ctx := context.Background()

	n, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	page, err := c.List(ctx, "c1", 2)
	require.NoError(t, err)
	require.Equal(t, []Summary{{ID: "c2", Label: "two"}, {ID: "c3", Label: "three"}}, page)

	msgs, err := c.History(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, []history.Message{
		{Role: history.RoleUser, Content: "q", DeepThinking: true},
		{Role: history.RoleAssistant, Content: "a"},
	}, msgs)

	require.NoError(t, c.Delete(ctx, "c2"))
	require.Equal(t, "c2", deleted)

	require.NoError(t, c.Rename(ctx, "c3", "new title"))
	require.Equal(t, "c3=new title", renamedTo)
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, time.Second).Delete(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "delete conversation", apiErr.Op)
	require.Equal(t, "nope", apiErr.Body)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, 50*time.Millisecond).Count(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
