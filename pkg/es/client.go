// Package es 提供了基于 Elasticsearch 的块索引：BM25 词法检索与 kNN 向量检索。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/log"
)

// ChunkIndex stores chunks in one Elasticsearch index.
type ChunkIndex struct {
	client    *elasticsearch.Client
	index     string
	analyzer  string
	dims      int
	refreshOn string
}

// esChunk 是写入 Elasticsearch 的文档结构。
type esChunk struct {
	ChunkID     string    `json:"chunk_id"`
	TenantID    string    `json:"tenant_id"`
	DocumentID  string    `json:"document_id"`
	Generation  string    `json:"generation"`
	Ordinal     int       `json:"ordinal"`
	Page        int       `json:"page"`
	Kind        string    `json:"kind"`
	Summary     string    `json:"summary,omitempty"`
	Text        string    `json:"text"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Vector      []float32 `json:"vector,omitempty"`
}

func (d esChunk) chunk() model.Chunk {
	return model.Chunk{
		ID:          d.ChunkID,
		TenantID:    d.TenantID,
		DocumentID:  d.DocumentID,
		Generation:  d.Generation,
		Ordinal:     d.Ordinal,
		Page:        d.Page,
		Kind:        model.ChunkKind(d.Kind),
		Summary:     d.Summary,
		Text:        d.Text,
		StartOffset: d.StartOffset,
		EndOffset:   d.EndOffset,
	}
}

// New 初始化 Elasticsearch 客户端。
func New(esCfg config.ElasticsearchConfig, dims int) (*ChunkIndex, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, esCfg.IndexName, esCfg.Analyzer, dims), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *elasticsearch.Client, index, analyzer string, dims int) *ChunkIndex {
	if analyzer == "" {
		analyzer = "standard"
	}
	return &ChunkIndex{client: client, index: index, analyzer: analyzer, dims: dims, refreshOn: "wait_for"}
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它
func (c *ChunkIndex) EnsureIndex(ctx context.Context) error {
	res, err := c.client.Indices.Exists([]string{c.index}, c.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("[ES] 索引 '%s' 已存在", c.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", c.index, res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_id": { "type": "keyword" },
				"tenant_id": { "type": "keyword" },
				"document_id": { "type": "keyword" },
				"generation": { "type": "keyword" },
				"ordinal": { "type": "integer" },
				"page": { "type": "integer" },
				"kind": { "type": "keyword" },
				"summary": { "type": "text", "analyzer": %[1]q },
				"text": { "type": "text", "analyzer": %[1]q },
				"start_offset": { "type": "integer", "index": false },
				"end_offset": { "type": "integer", "index": false },
				"vector": {
					"type": "dense_vector",
					"dims": %[2]d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, c.analyzer, c.dims)

	res, err = c.client.Indices.Create(
		c.index,
		c.client.Indices.Create.WithContext(ctx),
		c.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", c.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", c.index, res.String())
	}
	log.Infof("[ES] 索引 '%s' 创建成功", c.index)
	return nil
}

// IndexChunks 使用 bulk API 批量写入块，等待刷新后返回，保证完成状态提交前可被检索。
func (c *ChunkIndex) IndexChunks(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ch := range chunks {
		meta := map[string]any{"index": map[string]any{"_index": c.index, "_id": ch.ID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		doc := esChunk{
			ChunkID:     ch.ID,
			TenantID:    ch.TenantID,
			DocumentID:  ch.DocumentID,
			Generation:  ch.Generation,
			Ordinal:     ch.Ordinal,
			Page:        ch.Page,
			Kind:        string(ch.Kind),
			Summary:     ch.Summary,
			Text:        ch.Text,
			StartOffset: ch.StartOffset,
			EndOffset:   ch.EndOffset,
			Vector:      ch.Embedding,
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}

	req := esapi.BulkRequest{Body: &buf, Refresh: c.refreshOn}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return fmt.Errorf("bulk index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk index: %s", res.String())
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if out.Errors {
		for _, item := range out.Items {
			for _, r := range item {
				if r.Error != nil {
					return fmt.Errorf("bulk index: %s: %s", r.Error.Type, r.Error.Reason)
				}
			}
		}
		return fmt.Errorf("bulk index reported errors")
	}
	log.Infow("[ES] 批量写入块完成", "index", c.index, "chunks", len(chunks))
	return nil
}

func scopeFilter(scope model.SearchScope) []map[string]any {
	filter := []map[string]any{
		{"term": map[string]any{"tenant_id": scope.TenantID}},
		{"term": map[string]any{"document_id": scope.DocumentID}},
	}
	if scope.Generation != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"generation": scope.Generation}})
	}
	return filter
}

// LexicalSearch 执行 BM25 检索，返回原始 _score。
func (c *ChunkIndex) LexicalSearch(ctx context.Context, scope model.SearchScope, query string, limit int) ([]model.SearchHit, error) {
	body := map[string]any{
		"size":    limit,
		"_source": map[string]any{"excludes": []string{"vector"}},
		"query": map[string]any{
			"bool": map[string]any{
				"must": map[string]any{
					"multi_match": map[string]any{
						"query":  query,
						"fields": []string{"text", "summary"},
					},
				},
				"filter": scopeFilter(scope),
			},
		},
	}
	return c.search(ctx, body, false)
}

// VectorSearch 执行 kNN 检索，返回余弦相似度。
func (c *ChunkIndex) VectorSearch(ctx context.Context, scope model.SearchScope, vector []float32, limit int) ([]model.SearchHit, error) {
	numCandidates := limit * 10
	if numCandidates < 100 {
		numCandidates = 100
	}
	body := map[string]any{
		"size":    limit,
		"_source": map[string]any{"excludes": []string{"vector"}},
		"knn": map[string]any{
			"field":          "vector",
			"query_vector":   vector,
			"k":              limit,
			"num_candidates": numCandidates,
			"filter":         map[string]any{"bool": map[string]any{"filter": scopeFilter(scope)}},
		},
	}
	return c.search(ctx, body, true)
}

func (c *ChunkIndex) search(ctx context.Context, body map[string]any, cosine bool) ([]model.SearchHit, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}
	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(c.index),
		c.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch returned an error: %s %s", res.Status(), string(b))
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source esChunk `json:"_source"`
				Score  float64 `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]model.SearchHit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		score := h.Score
		if cosine {
			// cosine 相似度在 ES 中被映射为 (1 + cos) / 2
			score = 2*score - 1
		}
		hits = append(hits, model.SearchHit{Chunk: h.Source.chunk(), Score: score})
	}
	return hits, nil
}

// DeleteDocument 删除某文档所有 generation 的块。
func (c *ChunkIndex) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	return c.deleteByQuery(ctx, model.SearchScope{TenantID: tenantID, DocumentID: documentID})
}

// DeleteGeneration 删除某文档指定 generation 的块。
func (c *ChunkIndex) DeleteGeneration(ctx context.Context, scope model.SearchScope) error {
	if scope.Generation == "" {
		return fmt.Errorf("delete generation: empty generation for document %s", scope.DocumentID)
	}
	return c.deleteByQuery(ctx, scope)
}

func (c *ChunkIndex) deleteByQuery(ctx context.Context, scope model.SearchScope) error {
	body := map[string]any{"query": map[string]any{"bool": map[string]any{"filter": scopeFilter(scope)}}}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	res, err := c.client.DeleteByQuery(
		[]string{c.index},
		&buf,
		c.client.DeleteByQuery.WithContext(ctx),
		c.client.DeleteByQuery.WithRefresh(true),
		c.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return fmt.Errorf("delete by query: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("delete by query: %s", res.String())
	}
	log.Infow("[ES] 删除块", "document", scope.DocumentID, "generation", scope.Generation)
	return nil
}
