// Package llm wraps the chat-completion provider behind a small interface so
// the workflow steps and the report writer stay testable without a live model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"deepresearch/internal/metrics"
)

// Role constants for chat messages.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string
	Content string
}

// Options tune a single completion request.
type Options struct {
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider to return a JSON object. Callers still
	// validate the payload; providers are not uniformly reliable about it.
	JSONMode bool
}

// Usage is the provider-reported token accounting for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client issues chat completions.
type Client interface {
	Chat(ctx context.Context, msgs []Message, opts Options) (string, Usage, error)
}

// Config selects the provider model and client-side safeguards.
type Config struct {
	Model      string
	BaseURL    string
	APIKey     string
	MaxRetries int
	// RequestsPerSecond bounds the outbound request rate; <= 0 disables it.
	RequestsPerSecond float64
}

// ChatClient is the langchaingo-backed implementation with rate limiting and
// bounded retry on transient failures.
type ChatClient struct {
	model      llms.Model
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewChatClient builds a client for an OpenAI-compatible endpoint.
func NewChatClient(cfg Config, logger *zap.Logger) (*ChatClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &ChatClient{
		model:      model,
		limiter:    limiter,
		maxRetries: retries,
		logger:     logger,
	}, nil
}

// Chat sends the messages and returns the completion text. Transient provider
// errors are retried with exponential backoff; context cancellation is not.
func (c *ChatClient) Chat(ctx context.Context, msgs []Message, opts Options) (string, Usage, error) {
	content := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		if m.Role == RoleSystem {
			role = llms.ChatMessageTypeSystem
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	callOpts := []llms.CallOption{}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.JSONMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			c.logger.Warn("Retrying llm request",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", Usage{}, err
			}
		}

		started := time.Now()
		resp, err := c.model.GenerateContent(ctx, content, callOpts...)
		metrics.LLMRequestDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.LLMRequests.WithLabelValues("error").Inc()
			if ctx.Err() != nil {
				return "", Usage{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			metrics.LLMRequests.WithLabelValues("empty").Inc()
			lastErr = errors.New("empty completion response")
			continue
		}

		metrics.LLMRequests.WithLabelValues("ok").Inc()
		choice := resp.Choices[0]
		return choice.Content, usageFrom(choice.GenerationInfo), nil
	}
	return "", Usage{}, fmt.Errorf("llm request failed after %d attempts: %w", c.maxRetries, lastErr)
}

// usageFrom pulls token counts out of the provider's generation info, which
// langchaingo exposes as an untyped map.
func usageFrom(info map[string]any) Usage {
	u := Usage{
		PromptTokens:     intFrom(info, "PromptTokens"),
		CompletionTokens: intFrom(info, "CompletionTokens"),
		TotalTokens:      intFrom(info, "TotalTokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intFrom(info map[string]any, key string) int {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
