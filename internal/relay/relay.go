// Package relay serves the chat protocol for local development and tests: a
// websocket endpoint that streams replies from an llm.Streamer, and the
// history API backed by an in-memory Store.
package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/llm"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/metrics"
	"github.com/comigor/chatstream/internal/stream"
)

const closeWait = time.Second

// Server is the relay HTTP handler.
type Server struct {
	store    *Store
	streamer llm.Streamer
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New creates a relay that answers with streamer and stores into store.
func New(streamer llm.Streamer, store *Store) *Server {
	s := &Server{
		store:    store,
		streamer: streamer,
		upgrader: websocket.Upgrader{
			// Browser clients are served from another origin during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chat/ws", s.handleStream).Methods(http.MethodGet)

	// "length" must be registered before the {id} routes.
	api.HandleFunc("/chat/history/length", s.handleCount).Methods(http.MethodGet)
	api.HandleFunc("/chat/history", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/chat/history/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/chat/history/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/chat/history/{id}", s.handleRename).Methods(http.MethodPut)

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
}

// handleStream serves one turn: read the envelope, announce a new id when
// needed, stream the reply, store the conversation, send [DONE] and close.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Warn("websocket upgrade failed", "error", err)
		metrics.RelaySessions.WithLabelValues("upgrade_failed").Inc()
		return
	}
	defer ws.Close()

	var env stream.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		logger.L.Warn("invalid chat envelope", "error", err)
		metrics.RelaySessions.WithLabelValues("bad_request").Inc()
		closeWith(ws, websocket.CloseUnsupportedData, "invalid request")
		return
	}

	title := lastUserText(env.Messages)
	id := env.ID
	if id == "" {
		id = uuid.NewString()
		s.store.Create(id, title)
		if err := ws.WriteMessage(websocket.TextMessage, []byte(stream.IdentifierFrame(id))); err != nil {
			metrics.RelaySessions.WithLabelValues("client_gone").Inc()
			return
		}
	}
	log := logger.L.With("conversation_id", id)
	log.Info("relay turn started", "messages", len(env.Messages), "deep_thinking", env.DeepThinking())

	var reply strings.Builder
	err = s.streamer.Stream(r.Context(), env.Messages, env.DeepThinking(), func(chunk string) error {
		reply.WriteString(chunk)
		return ws.WriteMessage(websocket.TextMessage, []byte(chunk))
	})

	msgs := append(history.Clone(env.Messages), history.Message{Role: history.RoleAssistant, Content: reply.String()})
	s.store.Save(id, title, msgs)

	if err != nil {
		log.Error("reply stream failed", "error", err)
		metrics.RelaySessions.WithLabelValues("stream_failed").Inc()
		closeWith(ws, websocket.CloseInternalServerErr, "reply failed")
		return
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(stream.DoneFrame)); err != nil {
		metrics.RelaySessions.WithLabelValues("client_gone").Inc()
		return
	}
	metrics.RelaySessions.WithLabelValues("completed").Inc()
	log.Info("relay turn finished", "reply_bytes", reply.Len())
	closeWith(ws, websocket.CloseNormalClosure, "")
}

// closeWith sends a close frame and waits briefly for the peer's answer.
func closeWith(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(closeWait)
	if err := ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline); err != nil {
		return
	}
	_ = ws.SetReadDeadline(deadline)
	for {
		if _, _, err := ws.NextReader(); err != nil {
			return
		}
	}
}

func lastUserText(msgs []history.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == history.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

type dataResponse struct {
	Data any `json:"data"`
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dataResponse{Data: map[string]int{"length": s.store.Count()}})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: s.store.List(r.URL.Query().Get("after"), limit)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	msgs, ok := s.store.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if msgs == nil {
		msgs = []history.Message{}
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: msgs})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.store.Delete(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"code": 0})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "invalid title")
		return
	}
	if !s.store.Rename(mux.Vars(r)["id"], body.Title) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"code": 0})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
