// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/log"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tasks"
)

var (
	// ErrDocumentNotFound 文档不存在或属于其他租户。
	ErrDocumentNotFound = errors.New("document not found")
	// ErrJobActive 文档已有未结束的处理任务。
	ErrJobActive = errors.New("document already has an active processing job")
	// ErrNotRetryable 只有处理失败的文档可以重试。
	ErrNotRetryable = errors.New("only failed documents can be retried")
	// ErrEmptyUpload 上传的文件没有内容。
	ErrEmptyUpload = errors.New("uploaded file is empty")
)

// JobNotifier 通知其他实例有新任务入队。
type JobNotifier interface {
	ProduceJobEnqueued(ctx context.Context, msg tasks.JobEnqueued) error
}

// DocumentIndex 是删除文档时需要清理的检索索引。
type DocumentIndex interface {
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
}

// DocumentDetail 是文档详情，附带最近一次处理任务。
type DocumentDetail struct {
	model.Document
	LatestJob *model.ProcessingJob `json:"latestJob,omitempty"`
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, tenantID, fileName, mimeType string, r io.Reader, size int64) (*model.Document, error)
	List(ctx context.Context, tenantID string) ([]model.Document, error)
	Get(ctx context.Context, tenantID, documentID string) (*DocumentDetail, error)
	Chunks(ctx context.Context, tenantID, documentID string) ([]model.Chunk, error)
	Delete(ctx context.Context, tenantID, documentID string) error
	Retry(ctx context.Context, tenantID, documentID string) (*model.ProcessingJob, error)
}

type documentService struct {
	docRepo          repository.DocumentRepository
	jobRepo          repository.JobRepository
	chunkRepo        repository.ChunkRepository
	conversationRepo repository.ConversationRepository
	objects          storage.ObjectStore
	index            DocumentIndex
	notifier         JobNotifier // 可为 nil，此时依赖调度器轮询
	onEnqueue        func()
	now              func() time.Time
}

// NewDocumentService 创建一个新的 DocumentService 实例。
// onEnqueue 在本实例创建任务后被调用，通常用来唤醒本地调度器。
func NewDocumentService(docRepo repository.DocumentRepository, jobRepo repository.JobRepository, chunkRepo repository.ChunkRepository, conversationRepo repository.ConversationRepository, objects storage.ObjectStore, index DocumentIndex, notifier JobNotifier, onEnqueue func()) DocumentService {
	return &documentService{
		docRepo:          docRepo,
		jobRepo:          jobRepo,
		chunkRepo:        chunkRepo,
		conversationRepo: conversationRepo,
		objects:          objects,
		index:            index,
		notifier:         notifier,
		onEnqueue:        onEnqueue,
		now:              time.Now,
	}
}

// Upload 保存原始文件并创建 processing 文档和 pending 任务。
// 同一租户重复上传相同内容时直接返回已有文档。
func (s *documentService) Upload(ctx context.Context, tenantID, fileName, mimeType string, r io.Reader, size int64) (*model.Document, error) {
	// 先落盘到临时文件，边写边算哈希，之后再上传对象存储
	tmp, err := os.CreateTemp("", "docqa-upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to buffer upload: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if written == 0 {
		return nil, ErrEmptyUpload
	}
	if size > 0 && written != size {
		log.Warnf("[DocumentService] 上传大小与声明不一致, declared: %d, actual: %d", size, written)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	existing, err := s.docRepo.FindByHash(ctx, tenantID, hash)
	if err == nil {
		log.Infof("[DocumentService] 命中重复上传, tenant: %s, document: %s", tenantID, existing.ID)
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind upload: %w", err)
	}

	docID := uuid.NewString()
	doc := &model.Document{
		ID:          docID,
		TenantID:    tenantID,
		Name:        fileName,
		SizeBytes:   written,
		MimeType:    mimeType,
		ObjectKey:   objectKey(tenantID, docID, fileName),
		ContentHash: hash,
		Status:      model.DocumentProcessing,
	}
	if err := s.objects.Put(ctx, doc.ObjectKey, tmp, written, mimeType); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := s.docRepo.Create(ctx, doc); err != nil {
		s.removeObject(doc.ObjectKey)
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	job, err := s.enqueue(ctx, doc, s.jobRepo.Create)
	if err != nil {
		if delErr := s.docRepo.Delete(context.Background(), doc.ID); delErr != nil {
			log.Errorf("[DocumentService] 回滚文档记录失败, document: %s, error: %v", doc.ID, delErr)
		}
		s.removeObject(doc.ObjectKey)
		return nil, err
	}
	log.Infow("[DocumentService] 文档上传完成", "tenant", tenantID, "document", doc.ID, "job", job.ID, "size", written)
	return doc, nil
}

func (s *documentService) List(ctx context.Context, tenantID string) ([]model.Document, error) {
	return s.docRepo.ListByTenant(ctx, tenantID)
}

func (s *documentService) Get(ctx context.Context, tenantID, documentID string) (*DocumentDetail, error) {
	doc, err := s.lookup(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	detail := &DocumentDetail{Document: *doc}
	job, err := s.jobRepo.LatestForDocument(ctx, doc.ID)
	switch {
	case err == nil:
		detail.LatestJob = job
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	return detail, nil
}

// Chunks 返回当前可检索的分块。文档尚未就绪时返回空列表。
func (s *documentService) Chunks(ctx context.Context, tenantID, documentID string) ([]model.Chunk, error) {
	doc, err := s.lookup(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if !doc.Searchable() {
		return []model.Chunk{}, nil
	}
	return s.chunkRepo.ListByGeneration(ctx, doc.ID, doc.ActiveGeneration)
}

// Delete 级联删除索引、分块、任务、对象和文档记录，并清空该文档的对话历史。
// 正在处理中的文档不能删除。
func (s *documentService) Delete(ctx context.Context, tenantID, documentID string) error {
	doc, err := s.lookup(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	if _, err := s.jobRepo.ActiveForDocument(ctx, doc.ID); err == nil {
		return ErrJobActive
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	if err := s.index.DeleteDocument(ctx, tenantID, doc.ID); err != nil {
		return fmt.Errorf("failed to delete index entries: %w", err)
	}
	if err := s.docRepo.Delete(ctx, doc.ID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if err := s.objects.Delete(ctx, doc.ObjectKey); err != nil {
		log.Warnf("[DocumentService] 删除原始文件失败, key: %s, error: %v", doc.ObjectKey, err)
	}
	if err := s.conversationRepo.Clear(ctx, tenantID, doc.ID); err != nil {
		log.Warnf("[DocumentService] 清理对话历史失败, document: %s, error: %v", doc.ID, err)
	}
	log.Infof("[DocumentService] 文档已删除, tenant: %s, document: %s", tenantID, doc.ID)
	return nil
}

// Retry 为处理失败的文档创建一个新任务。
func (s *documentService) Retry(ctx context.Context, tenantID, documentID string) (*model.ProcessingJob, error) {
	doc, err := s.lookup(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != model.DocumentFailed {
		return nil, ErrNotRetryable
	}
	if _, err := s.jobRepo.ActiveForDocument(ctx, doc.ID); err == nil {
		return nil, ErrJobActive
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	job, err := s.enqueue(ctx, doc, s.jobRepo.CreateRetry)
	if errors.Is(err, model.ErrJobConflict) {
		return nil, ErrNotRetryable
	}
	if err != nil {
		return nil, err
	}
	log.Infow("[DocumentService] 文档重新入队", "tenant", tenantID, "document", doc.ID, "job", job.ID)
	return job, nil
}

func (s *documentService) lookup(ctx context.Context, tenantID, documentID string) (*model.Document, error) {
	doc, err := s.docRepo.GetForTenant(ctx, tenantID, documentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	return doc, err
}

// enqueue 通过 create 持久化 pending 任务并通知调度器。通知失败不影响任务本身，调度器会轮询到它。
func (s *documentService) enqueue(ctx context.Context, doc *model.Document, create func(context.Context, *model.ProcessingJob) error) (*model.ProcessingJob, error) {
	now := s.now()
	job := &model.ProcessingJob{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		TenantID:    doc.TenantID,
		State:       model.JobPending,
		Generation:  uuid.NewString(),
		Attempts:    1,
		HeartbeatAt: now,
	}
	if err := create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create processing job: %w", err)
	}

	if s.notifier != nil {
		msg := tasks.JobEnqueued{JobID: job.ID, DocumentID: doc.ID, TenantID: doc.TenantID, EnqueuedAt: now}
		if err := s.notifier.ProduceJobEnqueued(ctx, msg); err != nil {
			log.Warnf("[DocumentService] 发送任务通知失败, job: %s, error: %v", job.ID, err)
		}
	}
	if s.onEnqueue != nil {
		s.onEnqueue()
	}
	return job, nil
}

func (s *documentService) removeObject(key string) {
	if err := s.objects.Delete(context.Background(), key); err != nil {
		log.Warnf("[DocumentService] 清理原始文件失败, key: %s, error: %v", key, err)
	}
}

// objectKey 生成 tenant/document/filename 形式的对象键，文件名只保留最后一段。
func objectKey(tenantID, documentID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return tenantID + "/" + documentID + "/" + name
}
