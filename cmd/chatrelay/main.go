package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/llm"
	"github.com/comigor/chatstream/internal/logger"
	"github.com/comigor/chatstream/internal/relay"
)

func main() {

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	// Initialize reply backend
	streamer := llm.New(cfg.LLM)

	// Initialize relay (websocket turns, history API, metrics)
	srv := relay.New(streamer, relay.NewStore())

	// Start server
	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr, "model", cfg.LLM.Model)
	if err := http.ListenAndServe(serverAddr, srv.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.L.Error("failed to start server", "error", err)
		os.Exit(1)
	}
}
