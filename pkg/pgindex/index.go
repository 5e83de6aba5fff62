// Package pgindex is the PostgreSQL chunk index: tsvector full-text search
// plus pgvector cosine search over the same table.
package pgindex

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"docqa-go/internal/model"
	"docqa-go/pkg/log"
)

// Index implements the chunk index on a *sqlx.DB opened with the pgx driver.
type Index struct {
	db   *sqlx.DB
	dims int
}

type row struct {
	ChunkID     string  `db:"chunk_id"`
	TenantID    string  `db:"tenant_id"`
	DocumentID  string  `db:"document_id"`
	Generation  string  `db:"generation"`
	Ordinal     int     `db:"ordinal"`
	Page        int     `db:"page"`
	Kind        string  `db:"kind"`
	Summary     string  `db:"summary"`
	Text        string  `db:"text"`
	StartOffset int     `db:"start_offset"`
	EndOffset   int     `db:"end_offset"`
	Score       float64 `db:"score"`
}

func (r row) hit() model.SearchHit {
	return model.SearchHit{
		Chunk: model.Chunk{
			ID:          r.ChunkID,
			TenantID:    r.TenantID,
			DocumentID:  r.DocumentID,
			Generation:  r.Generation,
			Ordinal:     r.Ordinal,
			Page:        r.Page,
			Kind:        model.ChunkKind(r.Kind),
			Summary:     r.Summary,
			Text:        r.Text,
			StartOffset: r.StartOffset,
			EndOffset:   r.EndOffset,
		},
		Score: r.Score,
	}
}

// New returns an index over db. dims is the embedding dimensionality.
func New(db *sqlx.DB, dims int) *Index {
	return &Index{db: db, dims: dims}
}

// EnsureSchema creates the extension, table and indexes when missing.
func (x *Index) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_index (
			chunk_id     TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			document_id  TEXT NOT NULL,
			generation   TEXT NOT NULL,
			ordinal      INTEGER NOT NULL,
			page         INTEGER NOT NULL,
			kind         TEXT NOT NULL,
			summary      TEXT NOT NULL DEFAULT '',
			text         TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset   INTEGER NOT NULL,
			embedding    vector(%d),
			tsv          tsvector GENERATED ALWAYS AS (to_tsvector('simple', summary || ' ' || text)) STORED
		)`, x.dims),
		`CREATE INDEX IF NOT EXISTS chunk_index_scope_idx ON chunk_index (tenant_id, document_id, generation)`,
		`CREATE INDEX IF NOT EXISTS chunk_index_tsv_idx ON chunk_index USING GIN (tsv)`,
		`CREATE INDEX IF NOT EXISTS chunk_index_embedding_idx ON chunk_index USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, s := range stmts {
		if _, err := x.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("ensure chunk_index schema: %w", err)
		}
	}
	return nil
}

// IndexChunks upserts chunks in one transaction.
func (x *Index) IndexChunks(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := x.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO chunk_index (chunk_id, tenant_id, document_id, generation, ordinal, page, kind, summary, text, start_offset, end_offset, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chunk_id) DO UPDATE SET
			text = EXCLUDED.text, summary = EXCLUDED.summary, embedding = EXCLUDED.embedding, page = EXCLUDED.page
	`
	for _, c := range chunks {
		if len(c.Embedding) != x.dims {
			return fmt.Errorf("chunk %s: embedding has %d dimensions, index expects %d", c.ID, len(c.Embedding), x.dims)
		}
		_, err := tx.ExecContext(ctx, query,
			c.ID, c.TenantID, c.DocumentID, c.Generation, c.Ordinal, c.Page, string(c.Kind),
			c.Summary, c.Text, c.StartOffset, c.EndOffset, pgvector.NewVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Infow("[PgIndex] 批量写入块完成", "chunks", len(chunks))
	return nil
}

const selectColumns = `chunk_id, tenant_id, document_id, generation, ordinal, page, kind, summary, text, start_offset, end_offset`

// LexicalSearch ranks by ts_rank_cd over the generated tsvector.
func (x *Index) LexicalSearch(ctx context.Context, scope model.SearchScope, query string, limit int) ([]model.SearchHit, error) {
	q := `
		SELECT ` + selectColumns + `, ts_rank_cd(tsv, plainto_tsquery('simple', $4)) AS score
		FROM chunk_index
		WHERE tenant_id = $1 AND document_id = $2 AND ($3 = '' OR generation = $3)
		AND tsv @@ plainto_tsquery('simple', $4)
		ORDER BY score DESC, ordinal
		LIMIT $5
	`
	return x.query(ctx, q, scope.TenantID, scope.DocumentID, scope.Generation, query, limit)
}

// VectorSearch ranks by cosine distance and reports 1 - distance.
func (x *Index) VectorSearch(ctx context.Context, scope model.SearchScope, vector []float32, limit int) ([]model.SearchHit, error) {
	q := `
		SELECT ` + selectColumns + `, 1 - (embedding <=> $4) AS score
		FROM chunk_index
		WHERE tenant_id = $1 AND document_id = $2 AND ($3 = '' OR generation = $3)
		ORDER BY embedding <=> $4
		LIMIT $5
	`
	return x.query(ctx, q, scope.TenantID, scope.DocumentID, scope.Generation, pgvector.NewVector(vector), limit)
}

func (x *Index) query(ctx context.Context, q string, args ...any) ([]model.SearchHit, error) {
	var rows []row
	if err := x.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	hits := make([]model.SearchHit, len(rows))
	for i, r := range rows {
		hits[i] = r.hit()
	}
	return hits, nil
}

// DeleteDocument removes every generation of a document.
func (x *Index) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := x.db.ExecContext(ctx, `DELETE FROM chunk_index WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	return err
}

// DeleteGeneration removes one generation of a document.
func (x *Index) DeleteGeneration(ctx context.Context, scope model.SearchScope) error {
	_, err := x.db.ExecContext(ctx,
		`DELETE FROM chunk_index WHERE tenant_id = $1 AND document_id = $2 AND generation = $3`,
		scope.TenantID, scope.DocumentID, scope.Generation)
	return err
}
