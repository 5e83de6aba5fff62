// Package embedding provides clients for embedding model providers.
package embedding

import (
	"context"
	"fmt"

	"docqa-go/internal/config"
)

// Client turns a batch of texts into vectors, one per input and in input order.
// Implementations return *provider.Error so callers can decide on retries.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NewClient creates a new embedding client based on the provider in the config.
func NewClient(ctx context.Context, cfg config.EmbeddingConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}
