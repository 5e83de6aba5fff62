package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/service"
	"docqa-go/pkg/log"
)

// SearchHandler 结构体定义了检索调试接口的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{
		searchService: searchService,
	}
}

// Search 对单个文档执行混合检索并返回带分数的候选。
func (h *SearchHandler) Search(c *gin.Context) {
	tenantID, ok := tenantOrAbort(c)
	if !ok {
		return
	}
	query := c.Query("query")
	documentID := c.Param("id")
	log.Infof("[SearchHandler] 收到检索请求, document: %s, query: %s", documentID, query)

	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的查询参数"})
		return
	}
	topK, err := strconv.Atoi(c.DefaultQuery("topK", "10"))
	if err != nil || topK <= 0 {
		topK = 10
	}

	result, err := h.searchService.Search(c.Request.Context(), tenantID, documentID, query, topK)
	if err != nil {
		respondError(c, "Search", err)
		return
	}

	log.Infof("[SearchHandler] 检索成功, query: '%s', 返回 %d 条结果, 排序依据: %s", query, len(result.Candidates), result.Source)
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": result, "message": "success"})
}
