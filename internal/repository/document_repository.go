// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"docqa-go/internal/model"
)

// ErrNotFound is returned when a row does not exist or belongs to another tenant.
var ErrNotFound = errors.New("record not found")

// DocumentRepository 接口定义了文档元数据的持久化操作。
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.Document) error
	GetByID(ctx context.Context, id string) (*model.Document, error)
	GetForTenant(ctx context.Context, tenantID, id string) (*model.Document, error)
	ListByTenant(ctx context.Context, tenantID string) ([]model.Document, error)
	FindByHash(ctx context.Context, tenantID, contentHash string) (*model.Document, error)
	Delete(ctx context.Context, id string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Create(ctx context.Context, doc *model.Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

func (r *documentRepository) GetByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetForTenant 只返回属于该租户的文档，跨租户访问与不存在同样处理。
func (r *documentRepository) GetForTenant(ctx context.Context, tenantID, id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) ListByTenant(ctx context.Context, tenantID string) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at DESC").Find(&docs).Error
	return docs, err
}

// FindByHash 查找同一租户下内容相同的文档，用于上传去重。
func (r *documentRepository) FindByHash(ctx context.Context, tenantID, contentHash string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND content_hash = ?", tenantID, contentHash).
		Order("created_at DESC").
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete 删除文档及其所有分块和任务记录。
func (r *documentRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&model.Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", id).Delete(&model.ProcessingJob{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Document{}).Error
	})
}
