package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/service"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// GetConversation 处理获取文档对话历史的请求。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	history, err := h.service.History(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		respondError(c, "GetConversation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    history,
	})
}

// ClearConversation 清空文档的对话历史。
func (h *ConversationHandler) ClearConversation(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	if err := h.service.Clear(c.Request.Context(), tenantID, c.Param("id")); err != nil {
		respondError(c, "ClearConversation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}
