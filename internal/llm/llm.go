// Package llm isolates the model call behind a tiny provider interface so
// the target selector can be exercised without a live endpoint.
package llm

import (
	"context"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

func NewProvider(cfg Config) Provider {
	return NewOpenAIProvider(cfg)
}
