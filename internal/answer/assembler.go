// Package answer 驱动流式生成，并在生成结束后依次输出引用、置信度和完成事件。
package answer

import (
	"context"
	"errors"
	"strings"
	"time"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
	"docqa-go/pkg/provider"
)

const msgGenerationFailed = "The answer could not be completed. The text above may be partial; please ask again."

// Request is everything needed to answer one question.
type Request struct {
	Question   string
	Context    []model.RetrievalCandidate // ranked and truncated
	Confidence model.ConfidenceLabel
	TopScore   model.Score
	History    []model.ChatMessage
}

// Assembler turns a generation stream into an ordered AnswerEvent stream.
type Assembler struct {
	llm    llm.Client
	prompt config.LLMPromptConfig
	params *llm.GenerationParams
	retry  provider.Backoff
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithRetry sets the policy for generation calls that fail before the
// first token. A call that already produced text is never repeated.
func WithRetry(b provider.Backoff) Option {
	return func(a *Assembler) { a.retry = b }
}

// WithMaxAttempts keeps the default backoff and changes the attempt count.
func WithMaxAttempts(n int) Option {
	return func(a *Assembler) { a.retry = a.retry.WithAttempts(n) }
}

// NewAssembler 创建 Assembler。params 为 nil 时使用客户端配置中的生成参数。
func NewAssembler(client llm.Client, prompt config.LLMPromptConfig, params *llm.GenerationParams, opts ...Option) *Assembler {
	a := &Assembler{
		llm:    client,
		prompt: prompt,
		params: params,
		retry:  provider.Backoff{MaxAttempts: 3, Base: 500 * time.Millisecond, Max: 4 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stream starts generation and returns its events. Text deltas are relayed
// as they arrive. After generation completes the stream carries one
// CitationEvent per cited context chunk, then a ConfidenceEvent, then Done.
// A generation error ends the stream with an ErrorEvent; text already sent
// stays valid. Cancelling ctx aborts generation and closes the channel
// without an error event. The channel is always closed.
func (a *Assembler) Stream(ctx context.Context, req Request) <-chan model.AnswerEvent {
	out := make(chan model.AnswerEvent)
	go func() {
		defer close(out)
		a.run(ctx, req, out)
	}()
	return out
}

func (a *Assembler) run(ctx context.Context, req Request, out chan<- model.AnswerEvent) {
	send := func(ev model.AnswerEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	system := buildSystemMessage(a.prompt, buildContextText(req.Context))
	messages := composeMessages(system, req.History, req.Question)

	var text strings.Builder
	relayed := false
	attempts, err := a.retry.Retry(ctx, "llm", func(ctx context.Context) error {
		err := a.llm.StreamChat(ctx, messages, a.params, func(delta string) error {
			text.WriteString(delta)
			relayed = true
			if !send(model.TextDelta{Text: delta}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil && relayed {
			// 已输出的文本不能重放
			return provider.NoRetry(err)
		}
		return err
	})
	if ctx.Err() != nil {
		log.Infow("[Answer] 生成被取消", "question", req.Question, "chars", text.Len())
		return
	}
	if err != nil {
		log.Errorw("[Answer] 生成失败", "question", req.Question, "chars", text.Len(), "attempts", attempts, "error", err)
		send(model.ErrorEvent{Message: msgGenerationFailed})
		return
	}

	result := model.AnswerResult{
		Question:   req.Question,
		Text:       text.String(),
		Citations:  []model.Citation{},
		Confidence: req.Confidence,
		TopScore:   req.TopScore,
	}
	if len(req.Context) > 0 {
		for _, i := range referenced(result.Text, len(req.Context)) {
			cit := citationFor(req.Context[i].Chunk)
			result.Citations = append(result.Citations, cit)
			if !send(model.CitationEvent{Citation: cit}) {
				return
			}
		}
	}
	if !send(model.ConfidenceEvent{Label: req.Confidence, TopScore: req.TopScore}) {
		return
	}
	send(model.Done{Result: result})
}

// Collect drains a stream and returns the final result, or an error when
// the stream ended with an ErrorEvent or without Done.
func Collect(events <-chan model.AnswerEvent) (*model.AnswerResult, error) {
	var (
		result *model.AnswerResult
		err    error
	)
	for ev := range events {
		switch e := ev.(type) {
		case model.Done:
			r := e.Result
			result = &r
		case model.ErrorEvent:
			err = errors.New(e.Message)
		}
	}
	if err == nil && result == nil {
		err = errors.New("answer stream ended early")
	}
	return result, err
}
