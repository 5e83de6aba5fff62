// Package model 定义了与数据库表对应的 Go 结构体以及查询期的临时类型。
package model

import "time"

// DocumentStatus 是文档的生命周期状态。
type DocumentStatus string

const (
	DocumentProcessing DocumentStatus = "processing"
	DocumentReady      DocumentStatus = "ready"
	DocumentFailed     DocumentStatus = "failed"
)

// Document 对应 documents 表，记录一次上传的文件。
// 状态只由任务的状态变更驱动（入库完成、失败、重试入队），查询路径只读。
type Document struct {
	ID               string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	TenantID         string         `gorm:"type:varchar(64);not null;index" json:"tenantId"`
	Name             string         `gorm:"type:varchar(255);not null" json:"name"`
	SizeBytes        int64          `gorm:"not null" json:"sizeBytes"`
	MimeType         string         `gorm:"type:varchar(128)" json:"mimeType"`
	ObjectKey        string         `gorm:"type:varchar(512);not null" json:"-"`
	ContentHash      string         `gorm:"type:varchar(64);index" json:"contentHash"`
	PageCount        *int           `json:"pageCount"`
	Status           DocumentStatus `gorm:"type:varchar(16);not null;default:processing" json:"status"`
	LastError        string         `gorm:"type:text" json:"lastError,omitempty"`
	ActiveGeneration string         `gorm:"type:varchar(36)" json:"-"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// Searchable reports whether retrieval may read this document's chunks.
func (d *Document) Searchable() bool {
	return d != nil && d.Status == DocumentReady && d.ActiveGeneration != ""
}
