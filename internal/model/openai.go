// ABOUTME: OpenAI-compatible chat completion adapter built on sashabaranov/go-openai
// ABOUTME: Maps provider failures onto the cycle error taxonomy

package model

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/parley-gateway/internal/cycle"
)

// Config configures the OpenAI adapter
type Config struct {
	BaseURL    string
	APIKey     string
	Identifier string
	// Budget, when set, rejects oversized contexts before any request is made.
	Budget *TokenBudget
}

// OpenAICompleter implements Completer with the chat completions endpoint.
type OpenAICompleter struct {
	client     *openai.Client
	identifier string
	budget     *TokenBudget
	logger     *slog.Logger
}

// NewOpenAICompleter creates a completer for cfg.
func NewOpenAICompleter(cfg Config, logger *slog.Logger) *OpenAICompleter {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAICompleter{
		client:     openai.NewClientWithConfig(oc),
		identifier: cfg.Identifier,
		budget:     cfg.Budget,
		logger:     logger.With("component", "model"),
	}
}

// Identifier returns the model this completer targets
func (c *OpenAICompleter) Identifier() string {
	return c.identifier
}

// WithModel returns a copy of c targeting identifier.
func (c *OpenAICompleter) WithModel(identifier string) Completer {
	cp := *c
	cp.identifier = identifier
	return &cp
}

// Complete sends instructions as a system entry followed by messages in order.
func (c *OpenAICompleter) Complete(ctx context.Context, messages []Message, instructions string) (string, error) {
	if err := c.budget.Check(messages, instructions); err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model:    c.identifier,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)+1),
	}
	if instructions != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		classified := Classify(err)
		c.logger.Warn("completion failed", "model", c.identifier, "kind", classified.Kind, "error", err)
		return "", classified
	}
	if len(resp.Choices) == 0 {
		return "", cycle.New(cycle.KindModelUnavailable, cycle.StageCompleting, "provider returned no choices")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", cycle.New(cycle.KindModelRejected, cycle.StageCompleting, "completion blocked by content filter")
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", cycle.New(cycle.KindModelRejected, cycle.StageCompleting, "provider returned an empty completion")
	}

	c.logger.Debug("completion received",
		"model", c.identifier,
		"messages", len(messages),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return text, nil
}

// Classify maps a provider error onto the cycle taxonomy.
// Network failures, timeouts, 408, 409, 429 and 5xx are transient (ModelUnavailable).
func Classify(err error) *cycle.Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if isContextLengthError(apiErr) {
			return cycle.Wrap(cycle.KindContextTooLarge, cycle.StageCompleting, err)
		}
		return cycle.Wrap(kindForStatus(apiErr.HTTPStatusCode), cycle.StageCompleting, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return cycle.Wrap(kindForStatus(reqErr.HTTPStatusCode), cycle.StageCompleting, err)
	}
	return cycle.Wrap(cycle.KindModelUnavailable, cycle.StageCompleting, err)
}

func kindForStatus(status int) cycle.Kind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooManyRequests,
		status >= 500:
		return cycle.KindModelUnavailable
	case status >= 400:
		return cycle.KindModelRejected
	default:
		return cycle.KindModelUnavailable
	}
}

func isContextLengthError(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "maximum context length")
}

var (
	_ Completer     = (*OpenAICompleter)(nil)
	_ ModelSelector = (*OpenAICompleter)(nil)
)
