// Package embedder batches texts for an embedding provider and retries
// transient failures. A batch is accepted only when every input got a vector.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"docqa-go/internal/chunker"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/log"
	"docqa-go/pkg/provider"
)

// ErrMisalignedBatch means the provider did not return exactly one usable
// vector per input. The batch is discarded as a whole.
var ErrMisalignedBatch = errors.New("embedding batch misaligned with inputs")

// EmbedError reports the batch that could not be embedded.
type EmbedError struct {
	Batch    int
	Size     int
	Attempts int
	Err      error
}

func (e *EmbedError) Error() string {
	return fmt.Sprintf("embed batch %d (%d texts) failed after %d attempt(s): %v", e.Batch, e.Size, e.Attempts, e.Err)
}

func (e *EmbedError) Unwrap() error { return e.Err }

// Embedder is safe for concurrent use.
type Embedder struct {
	client         embedding.Client
	tokenizer      chunker.Tokenizer
	maxBatchSize   int
	maxBatchTokens int
	retry          provider.Backoff
	callTimeout    time.Duration
	limiter        *rate.Limiter
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option configures an Embedder.
type Option func(*Embedder)

func WithMaxBatchSize(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.maxBatchSize = n
		}
	}
}

func WithMaxBatchTokens(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.maxBatchTokens = n
		}
	}
}

// WithMaxAttempts sets the number of tries per batch, including the first.
func WithMaxAttempts(n int) Option {
	return func(e *Embedder) {
		e.retry = e.retry.WithAttempts(n)
	}
}

func WithBackoff(base, ceiling time.Duration) Option {
	return func(e *Embedder) {
		if base > 0 {
			e.retry.Base = base
		}
		if ceiling > 0 {
			e.retry.Max = ceiling
		}
	}
}

// WithCallTimeout bounds each provider call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Embedder) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithRateLimit paces provider calls to rps requests per second; 0 disables pacing.
func WithRateLimit(rps float64) Option {
	return func(e *Embedder) {
		if rps > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func WithTokenizer(t chunker.Tokenizer) Option {
	return func(e *Embedder) {
		if t != nil {
			e.tokenizer = t
		}
	}
}

// New creates an Embedder around client.
func New(client embedding.Client, opts ...Option) *Embedder {
	e := &Embedder{
		client:         client,
		tokenizer:      chunker.WordTokenizer{},
		maxBatchSize:   64,
		maxBatchTokens: 8000,
		retry:          provider.DefaultBackoff(),
		sleep:          provider.SleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Batches groups texts in order so that no batch exceeds the size or token
// limits. A text larger than the token limit on its own forms its own batch.
func (e *Embedder) Batches(texts []string) [][]string {
	var out [][]string
	var cur []string
	tokens := 0
	for _, t := range texts {
		n := e.tokenizer.Count(t)
		if len(cur) > 0 && (len(cur) >= e.maxBatchSize || tokens+n > e.maxBatchTokens) {
			out = append(out, cur)
			cur, tokens = nil, 0
		}
		cur = append(cur, t)
		tokens += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// EmbedAll embeds texts and returns vectors in input order.
func (e *Embedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, batch := range e.Batches(texts) {
		vecs, err := e.embedBatch(ctx, i, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds one query text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedBatch(ctx, 0, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, idx int, batch []string) ([][]float32, error) {
	policy := e.retry
	policy.Sleep = e.sleep

	var vecs [][]float32
	attempts, err := policy.Retry(ctx, "embedding", func(ctx context.Context) error {
		got, err := e.call(ctx, batch)
		if err == nil {
			err = validate(got, len(batch))
		}
		if err != nil {
			return err
		}
		vecs = got
		return nil
	})
	if err == nil {
		return vecs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Warnw("[Embedder] 批次向量化失败", "batch", idx, "size", len(batch), "attempts", attempts, "error", err)
	return nil, &EmbedError{Batch: idx, Size: len(batch), Attempts: attempts, Err: err}
}

func (e *Embedder) call(ctx context.Context, batch []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	return e.client.Embed(ctx, batch)
}

func validate(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: got %d vectors for %d inputs", ErrMisalignedBatch, len(vecs), want)
	}
	dim := len(vecs[0])
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at %d", ErrMisalignedBatch, i)
		}
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrMisalignedBatch, i, len(v), dim)
		}
	}
	return nil
}
