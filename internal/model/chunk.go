package model

import "time"

// ChunkKind 区分普通文本块与表格块。
type ChunkKind string

const (
	ChunkText  ChunkKind = "text"
	ChunkTable ChunkKind = "table"
)

// Chunk 对应 chunks 表，是文档的一个可检索单元。
// 一次成功的任务写入一个 generation，写入后不再修改。
// Page 是块首字符所在的页，首字符可能属于从上一块承接的重叠文本。
type Chunk struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	DocumentID  string    `gorm:"type:varchar(36);not null;index:idx_chunks_doc_gen" json:"documentId"`
	TenantID    string    `gorm:"type:varchar(64);not null" json:"tenantId"`
	Generation  string    `gorm:"type:varchar(36);not null;index:idx_chunks_doc_gen" json:"-"`
	Ordinal     int       `gorm:"not null" json:"ordinal"`
	Page        int       `gorm:"not null" json:"page"`
	Text        string    `gorm:"type:mediumtext;not null" json:"text"`
	Kind        ChunkKind `gorm:"type:varchar(8);not null" json:"kind"`
	Summary     string    `gorm:"type:text" json:"summary,omitempty"`
	StartOffset int       `gorm:"not null" json:"startOffset"`
	EndOffset   int       `gorm:"not null" json:"endOffset"`
	// Embedding lives in the index, not in the relational row.
	Embedding []float32 `gorm:"-" json:"-"`
	// EmbedInput overrides the embedding text for tables cut to the provider's input limit.
	EmbedInput string    `gorm:"-" json:"-"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Chunk) TableName() string {
	return "chunks"
}

// EmbeddingText is what gets sent to the embedding provider: tables are
// matched through their summary as well as their raw cells.
func (c *Chunk) EmbeddingText() string {
	if c.EmbedInput != "" {
		return c.EmbedInput
	}
	if c.Kind == ChunkTable && c.Summary != "" {
		return c.Summary + "\n\n" + c.Text
	}
	return c.Text
}
