package service

import (
	"context"
	"errors"

	"docqa-go/internal/model"
	"docqa-go/internal/repository"
)

// ConversationService 定义了对话业务逻辑的接口。
type ConversationService interface {
	History(ctx context.Context, tenantID, documentID string) ([]model.ChatMessage, error)
	Clear(ctx context.Context, tenantID, documentID string) error
}

type conversationService struct {
	repo    repository.ConversationRepository
	docRepo repository.DocumentRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository, docRepo repository.DocumentRepository) ConversationService {
	return &conversationService{repo: repo, docRepo: docRepo}
}

// History 获取该文档的完整对话历史。
func (s *conversationService) History(ctx context.Context, tenantID, documentID string) ([]model.ChatMessage, error) {
	if err := s.check(ctx, tenantID, documentID); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, tenantID, documentID, 0)
}

func (s *conversationService) Clear(ctx context.Context, tenantID, documentID string) error {
	if err := s.check(ctx, tenantID, documentID); err != nil {
		return err
	}
	return s.repo.Clear(ctx, tenantID, documentID)
}

func (s *conversationService) check(ctx context.Context, tenantID, documentID string) error {
	_, err := s.docRepo.GetForTenant(ctx, tenantID, documentID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrDocumentNotFound
	}
	return err
}
