// Package rerank 对混合检索的候选做二次排序；重排服务不可用时退回融合分数排序。
package rerank

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"docqa-go/internal/model"
	"docqa-go/internal/retrieval"
	"docqa-go/pkg/log"
	"docqa-go/pkg/provider"
	rerankclient "docqa-go/pkg/rerank"
)

// DefaultContextSize is the number of chunks handed to generation.
const DefaultContextSize = 5

var errNoUsableResults = errors.New("reranker returned no usable results")

// Adapter wraps a rerank client and never fails the caller.
type Adapter struct {
	client  rerankclient.Client
	retry   provider.Backoff
	enabled atomic.Bool
	timeout atomic.Int64
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithRetry sets the retry policy for transient provider errors. All
// attempts share the adapter timeout.
func WithRetry(b provider.Backoff) AdapterOption {
	return func(a *Adapter) { a.retry = b }
}

// WithMaxAttempts keeps the default backoff and changes the attempt count.
func WithMaxAttempts(n int) AdapterOption {
	return func(a *Adapter) { a.retry = a.retry.WithAttempts(n) }
}

// NewAdapter creates an adapter. A nil client behaves as disabled.
// By default a failed call is tried twice in total, 100ms apart at most.
func NewAdapter(client rerankclient.Client, enabled bool, timeout time.Duration, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		client: client,
		retry:  provider.Backoff{MaxAttempts: 2, Base: 100 * time.Millisecond, Max: time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.SetEnabled(enabled)
	a.SetTimeout(timeout)
	return a
}

// SetEnabled switches reranking on or off for subsequent calls.
func (a *Adapter) SetEnabled(enabled bool) { a.enabled.Store(enabled) }

// SetTimeout bounds each rerank call. Zero or less means 5s.
func (a *Adapter) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = 5 * time.Second
	}
	a.timeout.Store(int64(d))
}

// Rerank returns the candidates ordered by reranker score with the source
// ScoreReranker, or, when the reranker is disabled or fails, the same
// candidates in fused order with ScoreFused. The input slice is not modified.
func (a *Adapter) Rerank(ctx context.Context, query string, candidates []model.RetrievalCandidate) ([]model.RetrievalCandidate, model.ScoreSource) {
	fused := make([]model.RetrievalCandidate, len(candidates))
	copy(fused, candidates)
	for i := range fused {
		fused[i].RerankScore = nil
	}
	retrieval.SortByFused(fused)

	if len(fused) == 0 || a.client == nil || !a.enabled.Load() {
		return fused, model.ScoreFused
	}

	ranked, err := a.rerank(ctx, query, fused)
	if err != nil {
		log.Warnw("[Reranker] 重排失败，使用融合分数排序", "candidates", len(fused), "error", err)
		return fused, model.ScoreFused
	}
	return ranked, model.ScoreReranker
}

func (a *Adapter) rerank(ctx context.Context, query string, fused []model.RetrievalCandidate) ([]model.RetrievalCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.timeout.Load()))
	defer cancel()

	docs := make([]string, len(fused))
	for i, c := range fused {
		docs[i] = c.Chunk.EmbeddingText()
	}
	start := time.Now()
	var results []rerankclient.Result
	attempts, err := a.retry.Retry(ctx, "rerank", func(ctx context.Context) error {
		var err error
		results, err = a.client.Rerank(ctx, query, docs, len(docs))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("after %d attempt(s): %w", attempts, err)
	}

	used := make([]bool, len(fused))
	ranked := make([]model.RetrievalCandidate, 0, len(fused))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(fused) || used[r.Index] {
			continue
		}
		used[r.Index] = true
		c := fused[r.Index]
		score := r.RelevanceScore
		c.RerankScore = &score
		ranked = append(ranked, c)
	}
	if len(ranked) == 0 {
		return nil, errNoUsableResults
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].RerankScore > *ranked[j].RerankScore
	})
	for i, c := range fused {
		if !used[i] {
			ranked = append(ranked, c)
		}
	}
	log.Infow("[Reranker] 重排完成", "candidates", len(fused), "scored", len(results), "attempts", attempts, "elapsed", time.Since(start))
	return ranked, nil
}

// Truncate keeps the first n candidates. n <= 0 means DefaultContextSize.
func Truncate(candidates []model.RetrievalCandidate, n int) []model.RetrievalCandidate {
	if n <= 0 {
		n = DefaultContextSize
	}
	if len(candidates) <= n {
		return candidates
	}
	return candidates[:n]
}
