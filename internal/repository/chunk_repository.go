package repository

import (
	"context"

	"gorm.io/gorm"

	"docqa-go/internal/model"
)

const chunkInsertBatch = 200

// ChunkRepository 定义了分块文本的持久化操作。分块按 generation 写入，
// 同一 generation 写入后不再修改。
type ChunkRepository interface {
	ReplaceGeneration(ctx context.Context, documentID, generation string, chunks []model.Chunk) error
	ListByGeneration(ctx context.Context, documentID, generation string) ([]model.Chunk, error)
	DeleteGeneration(ctx context.Context, documentID, generation string) error
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

// ReplaceGeneration 写入某个 generation 的全部分块。任务被回收重跑时会换新的
// generation，这里先清空同名 generation 以便同一任务内的重复写入保持幂等。
func (r *chunkRepository) ReplaceGeneration(ctx context.Context, documentID, generation string, chunks []model.Chunk) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ? AND generation = ?", documentID, generation).Delete(&model.Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, chunkInsertBatch).Error
	})
}

func (r *chunkRepository) ListByGeneration(ctx context.Context, documentID, generation string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND generation = ?", documentID, generation).
		Order("ordinal ASC").
		Find(&chunks).Error
	return chunks, err
}

func (r *chunkRepository) DeleteGeneration(ctx context.Context, documentID, generation string) error {
	return r.db.WithContext(ctx).Where("document_id = ? AND generation = ?", documentID, generation).Delete(&model.Chunk{}).Error
}
