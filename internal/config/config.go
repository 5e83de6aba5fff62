// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"docqa-go/pkg/log"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Index         IndexConfig         `mapstructure:"index"`
	Parser        ParserConfig        `mapstructure:"parser"`
	Chunker       ChunkerConfig       `mapstructure:"chunker"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Reranker      RerankerConfig      `mapstructure:"reranker"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Confidence    ConfidenceConfig    `mapstructure:"confidence"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Ingestion     IngestionConfig     `mapstructure:"ingestion"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port        string `mapstructure:"port"`
	Mode        string `mapstructure:"mode"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig is only used when index.backend is "postgres".
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// StorageConfig selects the object store that keeps raw uploads.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"` // minio | s3
	MinIO   MinIOConfig `mapstructure:"minio"`
	S3      S3Config    `mapstructure:"s3"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// S3Config 存储 AWS S3 的配置。
type S3Config struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
	Analyzer  string `mapstructure:"analyzer"`
}

// IndexConfig selects the chunk index backend.
type IndexConfig struct {
	Backend    string `mapstructure:"backend"` // elasticsearch | postgres
	Dimensions int    `mapstructure:"dimensions"`
}

// ParserProviderConfig configures one entry of the parser chain.
type ParserProviderConfig struct {
	Name         string        `mapstructure:"name"` // docling | llamaparse | tika | local
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ParserConfig lists parsing providers in priority order.
type ParserConfig struct {
	Providers []ParserProviderConfig `mapstructure:"providers"`
}

// ChunkerConfig 存储分块参数（以 token 计）。
type ChunkerConfig struct {
	TargetTokens   int `mapstructure:"target_tokens"`
	OverlapTokens  int `mapstructure:"overlap_tokens"`
	MaxTableTokens int `mapstructure:"max_table_tokens"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider       string        `mapstructure:"provider"` // openai | gemini
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Dimensions     int           `mapstructure:"dimensions"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	MaxBatchTokens int           `mapstructure:"max_batch_tokens"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
}

// RerankerConfig 存储重排序服务的配置。
type RerankerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	MaxAttempts    int           `mapstructure:"max_attempts"` // 含首次调用，均受 timeout 约束
}

// RetrievalConfig 存储混合检索参数。
type RetrievalConfig struct {
	Alpha       float64 `mapstructure:"alpha"`
	CandidateK  int     `mapstructure:"candidate_k"`
	ContextSize int     `mapstructure:"context_size"`
}

// ThresholdConfig is one confidence threshold set.
type ThresholdConfig struct {
	High        float64 `mapstructure:"high"`
	NeedsReview float64 `mapstructure:"needs_review"`
}

// ConfidenceConfig holds one threshold set per score scale.
type ConfidenceConfig struct {
	Reranker ThresholdConfig `mapstructure:"reranker"`
	Fused    ThresholdConfig `mapstructure:"fused"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	Provider   string              `mapstructure:"provider"` // openai | gemini
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`

	// HistoryLimit 是带入 prompt 的最近对话消息条数
	HistoryLimit int `mapstructure:"history_limit"`

	// MaxAttempts 只作用于尚未输出任何 token 的失败调用
	MaxAttempts int `mapstructure:"max_attempts"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// IngestionConfig 配置后台处理任务的工作池与心跳。
type IngestionConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
	ReclaimInterval   time.Duration `mapstructure:"reclaim_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

var watchOnce sync.Once

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_mb", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.group_id", "docqa-go-consumer")
	v.SetDefault("storage.backend", "minio")
	v.SetDefault("index.backend", "elasticsearch")
	v.SetDefault("index.dimensions", 1536)
	v.SetDefault("elasticsearch.index_name", "document_chunks")
	v.SetDefault("elasticsearch.analyzer", "standard")
	v.SetDefault("chunker.target_tokens", 500)
	v.SetDefault("chunker.overlap_tokens", 50)
	v.SetDefault("chunker.max_table_tokens", 8000)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.max_batch_size", 64)
	v.SetDefault("embedding.max_batch_tokens", 8000)
	v.SetDefault("embedding.max_attempts", 3)
	v.SetDefault("embedding.base_backoff", 500*time.Millisecond)
	v.SetDefault("embedding.max_backoff", 10*time.Second)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("reranker.enabled", true)
	v.SetDefault("reranker.timeout", 5*time.Second)
	v.SetDefault("reranker.max_attempts", 2)
	v.SetDefault("retrieval.alpha", 0.7)
	v.SetDefault("retrieval.candidate_k", 20)
	v.SetDefault("retrieval.context_size", 5)
	v.SetDefault("confidence.reranker.high", 0.75)
	v.SetDefault("confidence.reranker.needs_review", 0.50)
	v.SetDefault("confidence.fused.high", 0.85)
	v.SetDefault("confidence.fused.needs_review", 0.60)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.history_limit", 6)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.poll_interval", 5*time.Second)
	v.SetDefault("ingestion.heartbeat_interval", 10*time.Second)
	v.SetDefault("ingestion.stage_timeout", 10*time.Minute)
	v.SetDefault("ingestion.stale_timeout", 5*time.Minute)
	v.SetDefault("ingestion.reclaim_interval", time.Minute)
	v.SetDefault("ingestion.max_attempts", 2)
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 环境变量（DOCQA_ 前缀，可来自 .env 文件）覆盖文件中的值。
func Init(configPath string) {
	_ = godotenv.Load()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("DOCQA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

// Watch decodes the config file again whenever it changes and hands the new
// value to onChange. Conf itself is left untouched; components that support
// recalibration take the new values through onChange. Only the first call
// installs the watcher.
func Watch(onChange func(Config)) {
	watchOnce.Do(func() {
		v := viper.GetViper()
		v.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			if err := reload(v, onChange); err != nil {
				log.Warnf("[Config] 配置文件 %s 解析失败，本次修改未生效: %v", e.Name, err)
			}
		})
		v.WatchConfig()
	})
}

// reload decodes v and hands the result to onChange. onChange is not called
// when decoding fails.
func reload(v *viper.Viper, onChange func(Config)) error {
	var next Config
	if err := v.Unmarshal(&next); err != nil {
		return err
	}
	onChange(next)
	return nil
}
