// Package llm provides streaming clients for Large Language Models.
package llm

import (
	"context"
	"fmt"

	"docqa-go/internal/config"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为，nil 字段使用配置中的默认值。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Client streams a chat completion. onDelta is called for every text
// fragment as it arrives; a non-nil return from onDelta aborts the stream
// and is returned. Cancelling ctx aborts the upstream request.
type Client interface {
	StreamChat(ctx context.Context, messages []Message, params *GenerationParams, onDelta func(string) error) error
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai", "deepseek":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// resolve fills nil params from the configured defaults.
func resolve(cfg config.LLMGenerationConfig, params *GenerationParams) GenerationParams {
	var out GenerationParams
	if params != nil {
		out = *params
	}
	if out.Temperature == nil && cfg.Temperature != 0 {
		t := cfg.Temperature
		out.Temperature = &t
	}
	if out.TopP == nil && cfg.TopP != 0 {
		p := cfg.TopP
		out.TopP = &p
	}
	if out.MaxTokens == nil && cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		out.MaxTokens = &m
	}
	return out
}
