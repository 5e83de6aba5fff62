// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/middleware"
	"docqa-go/internal/service"
	"docqa-go/pkg/log"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService    service.DocumentService
	maxUploadSize int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。maxUploadSize <= 0 表示不限制。
func NewDocumentHandler(docService service.DocumentService, maxUploadSize int64) *DocumentHandler {
	return &DocumentHandler{docService: docService, maxUploadSize: maxUploadSize}
}

// Upload 处理 multipart 文件上传，表单字段名为 file。
func (h *DocumentHandler) Upload(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少上传文件"})
		return
	}
	if h.maxUploadSize > 0 && fileHeader.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "文件过大"})
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(fileHeader.Filename)); byExt != "" {
			mimeType = byExt
		}
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Error("Upload: failed to open multipart file", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法读取上传文件"})
		return
	}
	defer file.Close()

	doc, err := h.docService.Upload(c.Request.Context(), tenantID, fileHeader.Filename, mimeType, file, fileHeader.Size)
	if err != nil {
		respondError(c, "Upload", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"code":    http.StatusAccepted,
		"message": "文档已接收，正在处理",
		"data":    doc,
	})
}

// List 返回当前租户的文档列表。
func (h *DocumentHandler) List(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	docs, err := h.docService.List(c.Request.Context(), tenantID)
	if err != nil {
		respondError(c, "List", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": docs})
}

// Get 返回文档详情及最近一次处理任务。
func (h *DocumentHandler) Get(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	detail, err := h.docService.Get(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		respondError(c, "Get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": detail})
}

// Chunks 返回文档当前可检索的分块。
func (h *DocumentHandler) Chunks(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	chunks, err := h.docService.Chunks(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		respondError(c, "Chunks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": chunks})
}

// Delete 处理删除文档的请求。
func (h *DocumentHandler) Delete(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	if err := h.docService.Delete(c.Request.Context(), tenantID, c.Param("id")); err != nil {
		respondError(c, "Delete", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "文档删除成功"})
}

// Retry 为处理失败的文档重新排队。
func (h *DocumentHandler) Retry(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	job, err := h.docService.Retry(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		respondError(c, "Retry", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "文档已重新排队", "data": job})
}

// tenantOrAbort 从上下文取出租户 ID，缺失时直接返回 401。
func tenantOrAbort(c *gin.Context) (string, bool) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无法获取租户信息"})
	}
	return tenantID, ok
}

// respondError 把业务错误映射为 HTTP 状态码，其他错误只在日志中记录细节。
func respondError(c *gin.Context, op string, err error) {
	status, msg := http.StatusInternalServerError, "服务器内部错误"
	switch {
	case errors.Is(err, service.ErrDocumentNotFound):
		status, msg = http.StatusNotFound, "文档不存在"
	case errors.Is(err, service.ErrJobActive):
		status, msg = http.StatusConflict, "文档正在处理中"
	case errors.Is(err, service.ErrNotRetryable):
		status, msg = http.StatusConflict, "只有处理失败的文档可以重试"
	case errors.Is(err, service.ErrEmptyUpload):
		status, msg = http.StatusBadRequest, "上传的文件为空"
	default:
		log.Errorf("%s: failed, error: %v", op, err)
	}
	c.JSON(status, gin.H{"code": status, "error": msg})
}
