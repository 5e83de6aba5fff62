// Package retrieval 实现混合检索：词法检索与向量检索并发执行，再按加权和融合。
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"docqa-go/internal/model"
	"docqa-go/pkg/log"
)

// DefaultK is the number of fused candidates handed to the reranker.
const DefaultK = 20

// Index is the chunk index capability: keyword full-text search and
// nearest-neighbour vector search, both filtered by scope. VectorSearch
// scores are cosine similarities.
type Index interface {
	LexicalSearch(ctx context.Context, scope model.SearchScope, query string, limit int) ([]model.SearchHit, error)
	VectorSearch(ctx context.Context, scope model.SearchScope, vector []float32, limit int) ([]model.SearchHit, error)
	IndexChunks(ctx context.Context, chunks []model.Chunk) error
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
	DeleteGeneration(ctx context.Context, scope model.SearchScope) error
}

// DocumentLookup resolves a tenant's document.
type DocumentLookup interface {
	GetForTenant(ctx context.Context, tenantID, id string) (*model.Document, error)
}

// Retriever runs hybrid search over one document.
type Retriever struct {
	index Index
	docs  DocumentLookup
	alpha atomic.Uint64 // math.Float64bits
}

// NewRetriever 创建检索器，alpha 越界时回退到默认值。
func NewRetriever(index Index, docs DocumentLookup, alpha float64) *Retriever {
	r := &Retriever{index: index, docs: docs}
	if err := r.SetAlpha(alpha); err != nil {
		r.alpha.Store(math.Float64bits(DefaultAlpha))
	}
	return r
}

// SetAlpha changes the vector weight used by subsequent searches.
func (r *Retriever) SetAlpha(alpha float64) error {
	if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
		return fmt.Errorf("alpha must be within [0,1], got %v", alpha)
	}
	r.alpha.Store(math.Float64bits(alpha))
	return nil
}

// Alpha returns the current vector weight.
func (r *Retriever) Alpha() float64 {
	return math.Float64frombits(r.alpha.Load())
}

// Search returns up to k fused candidates from the document's active
// generation. A document that is not ready yields no candidates. With a nil
// queryVector only the lexical side runs. If one side fails the other side's
// results are used; if both fail the lexical error is returned.
func (r *Retriever) Search(ctx context.Context, tenantID, documentID, queryText string, queryVector []float32, k int) ([]model.RetrievalCandidate, error) {
	if k <= 0 {
		k = DefaultK
	}
	doc, err := r.docs.GetForTenant(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if !doc.Searchable() {
		log.Infow("[Retriever] 文档尚未就绪，跳过检索", "document", documentID, "status", doc.Status)
		return []model.RetrievalCandidate{}, nil
	}
	scope := model.SearchScope{TenantID: tenantID, DocumentID: documentID, Generation: doc.ActiveGeneration}
	limit := 2 * k

	var (
		lexical, vector       []model.SearchHit
		lexicalErr, vectorErr error
	)
	// 两路检索互不取消，各自记录错误，由下面的降级逻辑决定结果
	g, gctx := errgroup.WithContext(ctx)
	if queryText != "" {
		g.Go(func() error {
			lexical, lexicalErr = r.index.LexicalSearch(gctx, scope, queryText, limit)
			return nil
		})
	}
	if len(queryVector) > 0 {
		g.Go(func() error {
			vector, vectorErr = r.index.VectorSearch(gctx, scope, queryVector, limit)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case lexicalErr != nil && vectorErr != nil:
		return nil, fmt.Errorf("hybrid search: %w", errors.Join(lexicalErr, vectorErr))
	case lexicalErr != nil:
		if len(queryVector) == 0 {
			return nil, fmt.Errorf("lexical search: %w", lexicalErr)
		}
		log.Warnw("[Retriever] 词法检索失败，仅使用向量检索结果", "document", documentID, "error", lexicalErr)
	case vectorErr != nil:
		if queryText == "" {
			return nil, fmt.Errorf("vector search: %w", vectorErr)
		}
		log.Warnw("[Retriever] 向量检索失败，仅使用词法检索结果", "document", documentID, "error", vectorErr)
	}

	fused := Fuse(r.Alpha(), lexical, vector)
	if len(fused) > k {
		fused = fused[:k]
	}
	log.Infow("[Retriever] 混合检索完成", "document", documentID, "lexical", len(lexical), "vector", len(vector), "candidates", len(fused))
	return fused, nil
}
