package main

import (
	"context"
	"fmt"
	"io"

	"docqa-go/internal/answer"
	"docqa-go/internal/chunker"
	"docqa-go/internal/config"
	"docqa-go/internal/confidence"
	"docqa-go/internal/embedder"
	"docqa-go/internal/parser"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/repository"
	"docqa-go/internal/rerank"
	"docqa-go/internal/retrieval"
	"docqa-go/internal/service"
	"docqa-go/pkg/database"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/es"
	"docqa-go/pkg/kafka"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
	"docqa-go/pkg/pgindex"
	rerankclient "docqa-go/pkg/rerank"
	"docqa-go/pkg/storage"
)

// app 持有进程内所有组件，由各个子命令按需使用。
type app struct {
	cfg config.Config

	docRepo          repository.DocumentRepository
	jobRepo          repository.JobRepository
	chunkRepo        repository.ChunkRepository
	conversationRepo repository.ConversationRepository
	lockRepo         repository.LockRepository

	objects  storage.ObjectStore
	index    retrieval.Index
	producer *kafka.Producer

	embedder     *embedder.Embedder
	orchestrator *pipeline.Orchestrator
	retriever    *retrieval.Retriever
	reranker     *rerank.Adapter
	calibrator   *confidence.Calibrator

	documentService     service.DocumentService
	searchService       service.SearchService
	chatService         service.ChatService
	conversationService service.ConversationService

	closers []io.Closer
}

// newApp 按依赖顺序初始化存储、外部服务客户端、处理管道和业务服务。
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	// 1. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	// 2. 初始化 Repository
	a.docRepo = repository.NewDocumentRepository(database.DB)
	a.jobRepo = repository.NewJobRepository(database.DB)
	a.chunkRepo = repository.NewChunkRepository(database.DB)
	a.conversationRepo = repository.NewConversationRepository(database.RDB)
	a.lockRepo = repository.NewLockRepository(database.RDB)

	// 3. 对象存储与检索索引
	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("对象存储初始化失败: %w", err)
	}
	a.objects = objects
	if a.index, err = a.newIndex(ctx); err != nil {
		return nil, err
	}

	if cfg.Kafka.Brokers != "" {
		a.producer = kafka.NewProducer(cfg.Kafka)
		a.closers = append(a.closers, a.producer)
	}

	// 4. 外部模型客户端
	embeddingClient, err := embedding.NewClient(ctx, cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding 客户端初始化失败: %w", err)
	}
	if c, ok := embeddingClient.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	llmClient, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm 客户端初始化失败: %w", err)
	}
	if c, ok := llmClient.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	var rerankClient rerankclient.Client
	if cfg.Reranker.BaseURL != "" {
		rerankClient = rerankclient.NewClient(cfg.Reranker)
	}

	// 5. 文件处理管道
	chain, err := parser.NewChainFromConfig(cfg.Parser)
	if err != nil {
		return nil, fmt.Errorf("解析器初始化失败: %w", err)
	}
	a.embedder = embedder.New(embeddingClient,
		embedder.WithMaxBatchSize(cfg.Embedding.MaxBatchSize),
		embedder.WithMaxBatchTokens(cfg.Embedding.MaxBatchTokens),
		embedder.WithMaxAttempts(cfg.Embedding.MaxAttempts),
		embedder.WithBackoff(cfg.Embedding.BaseBackoff, cfg.Embedding.MaxBackoff),
		embedder.WithCallTimeout(cfg.Embedding.Timeout),
		embedder.WithRateLimit(cfg.Embedding.RequestsPerSec),
	)
	processor := pipeline.NewProcessor(pipeline.ProcessorDeps{
		Jobs:    a.jobRepo,
		Docs:    a.docRepo,
		Chunks:  a.chunkRepo,
		Index:   a.index,
		Objects: a.objects,
		Parser:  chain,
		Chunker: chunker.New(
			chunker.WithTargetTokens(cfg.Chunker.TargetTokens),
			chunker.WithOverlapTokens(cfg.Chunker.OverlapTokens),
			chunker.WithMaxTableTokens(cfg.Chunker.MaxTableTokens),
		),
		Embedder: a.embedder,
	}, cfg.Ingestion.HeartbeatInterval, cfg.Ingestion.StageTimeout)
	a.orchestrator = pipeline.NewOrchestrator(a.jobRepo, processor, a.lockRepo, pipeline.Options{
		Workers:         cfg.Ingestion.Workers,
		PollInterval:    cfg.Ingestion.PollInterval,
		ReclaimInterval: cfg.Ingestion.ReclaimInterval,
		StaleTimeout:    cfg.Ingestion.StaleTimeout,
		MaxAttempts:     cfg.Ingestion.MaxAttempts,
	})

	// 6. 查询链路
	a.retriever = retrieval.NewRetriever(a.index, a.docRepo, cfg.Retrieval.Alpha)
	a.reranker = rerank.NewAdapter(rerankClient, cfg.Reranker.Enabled, cfg.Reranker.Timeout,
		rerank.WithMaxAttempts(cfg.Reranker.MaxAttempts))
	a.calibrator = confidence.NewCalibrator(confidence.FromConfig(cfg.Confidence))
	assembler := answer.NewAssembler(llmClient, cfg.LLM.Prompt, nil, answer.WithMaxAttempts(cfg.LLM.MaxAttempts))

	// 7. 初始化 Service (依赖注入)
	var notifier service.JobNotifier
	if a.producer != nil {
		notifier = a.producer
	}
	a.documentService = service.NewDocumentService(a.docRepo, a.jobRepo, a.chunkRepo, a.conversationRepo,
		a.objects, a.index, notifier, a.orchestrator.Notify)
	a.searchService = service.NewSearchService(a.embedder, a.retriever, a.reranker)
	a.chatService = service.NewChatService(a.searchService, a.calibrator, assembler, a.conversationRepo, service.ChatOptions{
		CandidateK:   cfg.Retrieval.CandidateK,
		ContextSize:  cfg.Retrieval.ContextSize,
		HistoryLimit: cfg.LLM.HistoryLimit,
	})
	a.conversationService = service.NewConversationService(a.conversationRepo, a.docRepo)
	return a, nil
}

func (a *app) newIndex(ctx context.Context) (retrieval.Index, error) {
	dims := a.cfg.Index.Dimensions
	switch a.cfg.Index.Backend {
	case "", "elasticsearch":
		idx, err := es.New(a.cfg.Elasticsearch, dims)
		if err != nil {
			return nil, fmt.Errorf("es 初始化失败: %w", err)
		}
		if err := idx.EnsureIndex(ctx); err != nil {
			return nil, fmt.Errorf("es 索引创建失败: %w", err)
		}
		return idx, nil
	case "postgres":
		db, err := database.ConnectPostgres(a.cfg.Database.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres 连接失败: %w", err)
		}
		a.closers = append(a.closers, db)
		idx := pgindex.New(db, dims)
		if err := idx.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("pgvector 表结构初始化失败: %w", err)
		}
		return idx, nil
	}
	return nil, fmt.Errorf("unknown index backend %q", a.cfg.Index.Backend)
}

// applyConfig 把热更新的配置应用到支持运行时调整的组件。
func (a *app) applyConfig(next config.Config) {
	if err := a.calibrator.Update(confidence.FromConfig(next.Confidence)); err != nil {
		log.Warnf("[Config] 置信度阈值无效，保留原值: %v", err)
	}
	if err := a.retriever.SetAlpha(next.Retrieval.Alpha); err != nil {
		log.Warnf("[Config] 融合权重无效，保留原值: %v", err)
	}
	a.reranker.SetEnabled(next.Reranker.Enabled)
	a.reranker.SetTimeout(next.Reranker.Timeout)
	log.Infow("[Config] 配置已热更新", "alpha", a.retriever.Alpha(), "rerankerEnabled", next.Reranker.Enabled)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warnf("关闭资源失败: %v", err)
		}
	}
}
