package service

import (
	"context"
	"errors"

	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/internal/rerank"
	"docqa-go/internal/retrieval"
	"docqa-go/pkg/log"
)

// QueryEmbedder 把问题文本转成查询向量。
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SearchResult 是一次检索的排序结果，Source 标明候选按哪种分数排序。
type SearchResult struct {
	Candidates []model.RetrievalCandidate `json:"candidates"`
	Source     model.ScoreSource          `json:"scoreSource"`
}

// SearchService 接口定义了单文档检索操作。
type SearchService interface {
	Search(ctx context.Context, tenantID, documentID, query string, topK int) (*SearchResult, error)
}

type searchService struct {
	embedder  QueryEmbedder
	retriever *retrieval.Retriever
	reranker  *rerank.Adapter
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embedder QueryEmbedder, retriever *retrieval.Retriever, reranker *rerank.Adapter) SearchService {
	return &searchService{embedder: embedder, retriever: retriever, reranker: reranker}
}

// Search 执行混合检索并重排。查询向量生成失败时只做词法检索。
func (s *searchService) Search(ctx context.Context, tenantID, documentID, query string, topK int) (*SearchResult, error) {
	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warnw("[SearchService] 查询向量生成失败，退化为词法检索", "document", documentID, "error", err)
		vector = nil
	}

	candidates, err := s.retriever.Search(ctx, tenantID, documentID, query, vector, topK)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}

	ranked, source := s.reranker.Rerank(ctx, query, candidates)
	return &SearchResult{Candidates: ranked, Source: source}, nil
}
