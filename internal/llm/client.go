// Package llm wraps the LLM providers the planner uses. Clients are plain
// request/response: planning needs whole JSON documents, not token streams.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a completion request. Temperature defaults to 0 (deterministic),
// MaxTokens to the client default.
type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Client is a synchronous completion client.
type Client interface {
	// Complete returns the full text of the model's reply.
	Complete(ctx context.Context, req *Request) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	// Provider is "openai" or "anthropic".
	Provider string
	APIKey   string
	Model    string
	// BaseURL overrides the provider's default endpoint. Used for proxies
	// and tests.
	BaseURL string
	// MaxRetries bounds retry attempts for transient failures. Default 2.
	MaxRetries int
	// RetryDelay is the base retry delay. Default 1s.
	RetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// New builds a Client for the configured provider.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: API key is required")
	}
	cfg.applyDefaults()

	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return newOpenAIClient(cfg), nil
	case "anthropic":
		return newAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// retryable reports whether a completion error is worth retrying: rate
// limits, 5xx, and network-level failures.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "service unavailable", "overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
