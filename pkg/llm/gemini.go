package llm

import (
	"context"
	"errors"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"docqa-go/internal/config"
	"docqa-go/pkg/provider"
)

const geminiName = "gemini"

// GeminiClient streams through the Gemini chat session API.
type GeminiClient struct {
	client *genai.Client
	cfg    config.LLMConfig
}

func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*GeminiClient, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	return &GeminiClient{client: cl, cfg: cfg}, nil
}

func (g *GeminiClient) Close() error {
	return g.client.Close()
}

// StreamChat sends the last message with the earlier ones as history.
// System messages become the system instruction.
func (g *GeminiClient) StreamChat(ctx context.Context, messages []Message, params *GenerationParams, onDelta func(string) error) error {
	m := g.client.GenerativeModel(g.cfg.Model)
	gen := resolve(g.cfg.Generation, params)
	if gen.Temperature != nil {
		m.SetTemperature(float32(*gen.Temperature))
	}
	if gen.TopP != nil {
		m.SetTopP(float32(*gen.TopP))
	}
	if gen.MaxTokens != nil {
		m.SetMaxOutputTokens(int32(*gen.MaxTokens))
	}

	var system []genai.Part
	var history []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, genai.Text(msg.Content))
		case "assistant":
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(msg.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	if len(system) > 0 {
		m.SystemInstruction = &genai.Content{Parts: system}
	}
	if len(history) == 0 {
		return provider.Malformed(geminiName, errors.New("no user message to send"))
	}
	last := history[len(history)-1]
	cs := m.StartChat()
	cs.History = history[:len(history)-1]

	iter := cs.SendMessageStream(ctx, last.Parts...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return provider.ClassifyGoogle(geminiName, err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, p := range cand.Content.Parts {
				if t, ok := p.(genai.Text); ok && t != "" {
					if derr := onDelta(string(t)); derr != nil {
						return derr
					}
				}
			}
		}
	}
}
