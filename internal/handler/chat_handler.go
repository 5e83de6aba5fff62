package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"docqa-go/internal/answer"
	"docqa-go/internal/model"
	"docqa-go/internal/service"
	"docqa-go/pkg/log"
	"docqa-go/pkg/token"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

const (
	writeWait      = 10 * time.Second
	pendingAskSize = 4
)

// clientMessage 是客户端发来的控制消息。纯文本消息视为问题。
type clientMessage struct {
	Type     string `json:"type"`
	Question string `json:"question"`
}

// ChatHandler 负责处理 WebSocket 聊天连接以及非流式问答。
type ChatHandler struct {
	chatService service.ChatService
	jwtManager  *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		jwtManager:  jwtManager,
	}
}

// Handle 处理一个传入的 WebSocket 连接。token 在路径中，文档由 documentId 查询参数指定。
// 每个问题的回答以 AnswerEvent JSON 逐条推送；{"type":"stop"} 取消正在进行的生成。
func (h *ChatHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}
	documentID := c.Query("documentId")
	if documentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少 documentId", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("WebSocket 连接已建立，租户: %s, 文档: %s", claims.TenantID, documentID)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sess := &chatSession{conn: conn}
	questions := make(chan string, pendingAskSize)
	go sess.readLoop(ctx, cancel, questions)

	for q := range questions {
		askCtx, stop := context.WithCancel(ctx)
		sess.setCancel(stop)
		h.answer(askCtx, sess, claims.TenantID, documentID, q)
		sess.setCancel(nil)
		stop()
	}
	log.Infof("WebSocket 连接已关闭，租户: %s, 文档: %s", claims.TenantID, documentID)
}

func (h *ChatHandler) answer(ctx context.Context, sess *chatSession, tenantID, documentID, question string) {
	events, err := h.chatService.Ask(ctx, tenantID, documentID, question)
	if err != nil {
		log.Errorf("处理问答失败: %v", err)
		msg := "AI服务暂时不可用，请稍后重试"
		if errors.Is(err, service.ErrDocumentNotFound) {
			msg = "文档不存在"
		}
		_ = sess.writeEvent(model.ErrorEvent{Message: msg})
		return
	}

	finished := false
	for ev := range events {
		switch ev.(type) {
		case model.Done, model.ErrorEvent:
			finished = true
		}
		if err := sess.writeEvent(ev); err != nil {
			log.Warnf("写入 WebSocket 失败: %v", err)
		}
	}
	if !finished && ctx.Err() != nil && !sess.closed() {
		// 用户主动停止：回发停止确认
		sess.writeJSON(gin.H{"type": "stop", "data": gin.H{"message": "响应已停止"}})
	}
}

// Ask 处理非流式问答请求，等待生成结束后一次性返回完整结果。
func (h *ChatHandler) Ask(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	var req struct {
		Question string `json:"question" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	events, err := h.chatService.Ask(c.Request.Context(), tenantID, c.Param("id"), req.Question)
	if err != nil {
		respondError(c, "Ask", err)
		return
	}
	result, err := answer.Collect(events)
	if err != nil {
		log.Warnf("Ask: generation failed, document: %s, error: %v", c.Param("id"), err)
		c.JSON(http.StatusBadGateway, gin.H{"code": http.StatusBadGateway, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": result})
}

// chatSession 串行化对同一连接的写入，并记录当前生成的取消函数。
type chatSession struct {
	conn *websocket.Conn

	mu       sync.Mutex
	cancel   context.CancelFunc
	isClosed bool
}

func (s *chatSession) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

func (s *chatSession) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *chatSession) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

func (s *chatSession) writeEvent(ev model.AnswerEvent) error {
	b, err := model.MarshalEvent(ev)
	if err != nil {
		return err
	}
	return s.write(b)
}

func (s *chatSession) writeJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = s.write(b)
}

func (s *chatSession) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// readLoop 读取客户端消息：停止指令立即生效，问题排队等待回答。
// 连接断开时取消整个会话并关闭 questions。
func (s *chatSession) readLoop(ctx context.Context, cancel context.CancelFunc, questions chan<- string) {
	defer close(questions)
	defer func() {
		s.mu.Lock()
		s.isClosed = true
		s.mu.Unlock()
		cancel()
	}()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		question := strings.TrimSpace(string(message))
		if strings.HasPrefix(question, "{") {
			var msg clientMessage
			if err := json.Unmarshal(message, &msg); err == nil {
				if msg.Type == "stop" {
					log.Info("收到停止指令，正在中断流式响应...")
					s.stop()
					continue
				}
				question = strings.TrimSpace(msg.Question)
			}
		}
		if question == "" {
			continue
		}

		select {
		case questions <- question:
		case <-ctx.Done():
			return
		default:
			log.Warnf("待回答的问题过多，丢弃: %s", question)
			_ = s.writeEvent(model.ErrorEvent{Message: "请等待当前回答完成后再提问"})
		}
	}
}
