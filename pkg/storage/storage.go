// Package storage 提供原始上传文件的对象存储，支持 MinIO 与 AWS S3 两种后端。
package storage

import (
	"context"
	"fmt"
	"io"

	"docqa-go/internal/config"
)

// ObjectStore 是原始文件的存取接口。
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New 根据配置选择对象存储后端。
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "", "minio":
		return NewMinIO(ctx, cfg.MinIO)
	case "s3":
		return NewS3(ctx, cfg.S3)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
