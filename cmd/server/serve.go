package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/config"
	"docqa-go/internal/handler"
	"docqa-go/internal/middleware"
	"docqa-go/pkg/kafka"
	"docqa-go/pkg/log"
	"docqa-go/pkg/tasks"
	"docqa-go/pkg/token"
)

func runServe(parent context.Context) error {
	cfg := config.Conf
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// 阈值、融合权重和重排开关支持热更新
	config.Watch(a.applyConfig)

	// 启动后台工作池和 Kafka 消费者
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	a.orchestrator.Start(workerCtx)
	if cfg.Kafka.Brokers != "" {
		consumer := kafka.NewConsumer(cfg.Kafka, func(tasks.JobEnqueued) { a.orchestrator.Notify() })
		go consumer.Run(workerCtx)
	}

	// 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	registerRoutes(r, a, token.NewJWTManager(cfg.JWT.Secret))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("接收到停机信号，正在关闭服务...")
	case err := <-serveErr:
		log.Errorf("HTTP 服务监听失败: %v", err)
		cancelWorkers()
		a.orchestrator.Wait()
		return err
	}

	// 设置一个5秒的超时上下文
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止调度并等待运行中的任务退出；未完成的任务会被回收器重新排队
	cancelWorkers()
	a.orchestrator.Wait()
	log.Info("服务已优雅关闭")
	return nil
}

func registerRoutes(r *gin.Engine, a *app, jwtManager *token.JWTManager) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	documentHandler := handler.NewDocumentHandler(a.documentService, a.cfg.Server.MaxUploadMB<<20)
	searchHandler := handler.NewSearchHandler(a.searchService)
	conversationHandler := handler.NewConversationHandler(a.conversationService)
	chatHandler := handler.NewChatHandler(a.chatService, jwtManager)

	apiV1 := r.Group("/api/v1")
	// Document 路由组，需要认证
	documents := apiV1.Group("/documents")
	documents.Use(middleware.AuthMiddleware(jwtManager))
	{
		documents.POST("", documentHandler.Upload)
		documents.GET("", documentHandler.List)
		documents.GET("/:id", documentHandler.Get)
		documents.DELETE("/:id", documentHandler.Delete)
		documents.POST("/:id/retry", documentHandler.Retry)
		documents.GET("/:id/chunks", documentHandler.Chunks)
		documents.GET("/:id/search", searchHandler.Search)
		documents.POST("/:id/ask", chatHandler.Ask)
		documents.GET("/:id/conversation", conversationHandler.GetConversation)
		documents.DELETE("/:id/conversation", conversationHandler.ClearConversation)
	}

	// Chat 路由 (WebSocket)，token 在路径中
	r.GET("/chat/:token", chatHandler.Handle)
}
