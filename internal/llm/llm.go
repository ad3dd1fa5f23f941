// Package llm produces assistant replies for the relay as streams of text
// chunks.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/logger"
)

// Streamer generates a reply to msgs, calling emit once per chunk in order.
// An error from emit aborts the stream and is returned.
type Streamer interface {
	Stream(ctx context.Context, msgs []history.Message, deepThinking bool, emit func(string) error) error
}

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// New picks the streamer for cfg: OpenAI when an API key or a custom base URL
// is configured, otherwise the echo streamer.
func New(cfg config.LLMConfig) Streamer {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		logger.L.Warn("no LLM configured, replies will echo the prompt")
		return EchoStreamer{}
	}
	return NewOpenAIStreamer(NewClient(cfg), cfg)
}

// StreamClient is the subset of openai.Client used here.
type StreamClient interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIStreamer streams chat completions from an OpenAI-compatible API.
type OpenAIStreamer struct {
	client         StreamClient
	model          string
	reasoningModel string
	systemPrompt   string
}

// NewOpenAIStreamer wraps client with the models and prompt from cfg.
func NewOpenAIStreamer(client StreamClient, cfg config.LLMConfig) *OpenAIStreamer {
	return &OpenAIStreamer{
		client:         client,
		model:          cfg.Model,
		reasoningModel: cfg.ReasoningModel,
		systemPrompt:   cfg.SystemPrompt,
	}
}

func (s *OpenAIStreamer) Stream(ctx context.Context, msgs []history.Message, deepThinking bool, emit func(string) error) error {
	model := s.model
	if deepThinking && s.reasoningModel != "" {
		model = s.reasoningModel
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAI(s.systemPrompt, msgs),
		Stream:   true,
	}
	logger.L.Debug("LLM stream request", "model", model, "messages", len(req.Messages))

	st, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("create completion stream: %w", err)
	}
	defer st.Close()

	for {
		resp, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive completion chunk: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if chunk := resp.Choices[0].Delta.Content; chunk != "" {
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}
}

func toOpenAI(systemPrompt string, msgs []history.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == history.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// EchoStreamer replies with the last user message, one word per chunk.
type EchoStreamer struct{}

func (EchoStreamer) Stream(ctx context.Context, msgs []history.Message, deepThinking bool, emit func(string) error) error {
	var last string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == history.RoleUser {
			last = msgs[i].Content
			break
		}
	}
	words := strings.SplitAfter(last, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w == "" {
			continue
		}
		if err := emit(w); err != nil {
			return err
		}
	}
	return nil
}
