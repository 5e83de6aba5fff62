package service

import (
	"context"
	"time"

	"docqa-go/internal/answer"
	"docqa-go/internal/confidence"
	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/internal/rerank"
	"docqa-go/pkg/log"
)

// ChatOptions 控制检索深度、上下文大小和带入的历史条数。
type ChatOptions struct {
	CandidateK   int
	ContextSize  int
	HistoryLimit int
}

// ChatService 定义了问答操作的接口。
type ChatService interface {
	// Ask 检索上下文并开始生成。文档不存在或检索失败时返回 error，
	// 否则返回的事件流总会被关闭。
	Ask(ctx context.Context, tenantID, documentID, question string) (<-chan model.AnswerEvent, error)
}

type chatService struct {
	searchService    SearchService
	calibrator       *confidence.Calibrator
	assembler        *answer.Assembler
	conversationRepo repository.ConversationRepository
	opts             ChatOptions
	now              func() time.Time
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(searchService SearchService, calibrator *confidence.Calibrator, assembler *answer.Assembler, conversationRepo repository.ConversationRepository, opts ChatOptions) ChatService {
	if opts.ContextSize <= 0 {
		opts.ContextSize = rerank.DefaultContextSize
	}
	if opts.HistoryLimit < 0 {
		opts.HistoryLimit = 0
	}
	return &chatService{
		searchService:    searchService,
		calibrator:       calibrator,
		assembler:        assembler,
		conversationRepo: conversationRepo,
		opts:             opts,
		now:              time.Now,
	}
}

// Ask 协调检索、重排、置信度评估和流式生成。Done 之后把问答写入对话历史。
func (s *chatService) Ask(ctx context.Context, tenantID, documentID, question string) (<-chan model.AnswerEvent, error) {
	// 1. 检索并重排
	result, err := s.searchService.Search(ctx, tenantID, documentID, question, s.opts.CandidateK)
	if err != nil {
		return nil, err
	}

	// 2. 截断到上下文大小，按排序所用的分数评估置信度
	contextChunks := rerank.Truncate(result.Candidates, s.opts.ContextSize)
	label, top := s.calibrator.CalibrateCandidates(contextChunks, result.Source)
	log.Infow("[ChatService] 检索完成", "document", documentID, "candidates", len(result.Candidates),
		"context", len(contextChunks), "source", result.Source, "confidence", label, "topScore", top.Value)

	// 3. 带上最近的对话历史
	var history []model.ChatMessage
	if s.opts.HistoryLimit > 0 {
		history, err = s.conversationRepo.History(ctx, tenantID, documentID, s.opts.HistoryLimit)
		if err != nil {
			log.Errorf("[ChatService] 加载对话历史失败: %v", err)
			history = nil
		}
	}

	events := s.assembler.Stream(ctx, answer.Request{
		Question:   question,
		Context:    contextChunks,
		Confidence: label,
		TopScore:   top,
		History:    history,
	})

	out := make(chan model.AnswerEvent)
	go func() {
		defer close(out)
		asked := s.now()
		for ev := range events {
			if done, ok := ev.(model.Done); ok {
				s.saveConversation(tenantID, documentID, question, asked, done.Result)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				// 继续排空上游，直到它因取消而关闭
			}
		}
	}()
	return out, nil
}

// saveConversation 使用独立的 context，客户端断开不影响已完成答案的保存。
func (s *chatService) saveConversation(tenantID, documentID, question string, asked time.Time, result model.AnswerResult) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := result
	err := s.conversationRepo.Append(saveCtx, tenantID, documentID,
		model.ChatMessage{Role: "user", Content: question, Timestamp: asked},
		model.ChatMessage{Role: "assistant", Content: result.Text, Answer: &res, Timestamp: s.now()},
	)
	if err != nil {
		log.Errorf("[ChatService] 保存对话历史失败, document: %s, error: %v", documentID, err)
	}
}
