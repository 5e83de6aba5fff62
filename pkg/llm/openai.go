package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"docqa-go/internal/config"
	"docqa-go/pkg/provider"
)

const openAIName = "llm"

// OpenAIClient speaks the OpenAI-compatible /chat/completions SSE protocol
// (OpenAI, DeepSeek and most self-hosted gateways).
type OpenAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewOpenAIClient creates a client for cfg.BaseURL.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAIClient{cfg: cfg, client: &http.Client{}}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamChat calls the chat completions API and relays each delta.
func (c *OpenAIClient) StreamChat(ctx context.Context, messages []Message, params *GenerationParams, onDelta func(string) error) error {
	gen := resolve(c.cfg.Generation, params)
	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: gen.Temperature,
		TopP:        gen.TopP,
		MaxTokens:   gen.MaxTokens,
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return provider.Classify(openAIName, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.Classify(openAIName, resp.StatusCode, fmt.Errorf("chat api returned %s: %s", resp.Status, bytes.TrimSpace(bodyBytes)))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return provider.Classify(openAIName, 0, fmt.Errorf("failed to read from stream: %w", err))
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return nil
			}
			var chunk chatResponse
			if jerr := json.Unmarshal([]byte(data), &chunk); jerr != nil {
				continue
			}
			if chunk.Error != nil {
				return provider.Classify(openAIName, 0, fmt.Errorf("stream error: %s", chunk.Error.Message))
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if derr := onDelta(chunk.Choices[0].Delta.Content); derr != nil {
					return derr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
	}
}
