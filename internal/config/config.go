// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Conf 存储从配置文件加载的全部设置。
var Conf Config

// Config 与 configs/config.yaml 的结构一一对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Storage       StorageConfig       `mapstructure:"storage"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chat          ChatConfig          `mapstructure:"chat"`
	History       HistoryConfig       `mapstructure:"history"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Workspace     WorkspaceConfig     `mapstructure:"workspace"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
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

// StorageConfig 选择持久化键值存储的后端：redis 或 mysql。
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// JWTConfig 存储客户端令牌相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
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

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
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

// ChatConfig 控制会话管理器的行为。
type ChatConfig struct {
	// AnswerBackend: rag 走检索+大模型，mock 使用固定延迟的模拟回答
	AnswerBackend string        `mapstructure:"answer_backend"`
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
	MockDelay     time.Duration `mapstructure:"mock_delay"`
	// MaxPending 为单个会话允许同时等待的占位消息数
	MaxPending    int  `mapstructure:"max_pending"`
	RecordHistory bool `mapstructure:"record_history"`
	TopK          int  `mapstructure:"top_k"`
}

// HistoryConfig 控制查询历史的持久化。
type HistoryConfig struct {
	Key      string `mapstructure:"key"`
	MaxItems int    `mapstructure:"max_items"`
	// Location 为日期过滤使用的时区，空值表示本地时区
	Location string `mapstructure:"location"`
}

// UploadConfig 控制文档上传。
type UploadConfig struct {
	Backend     string `mapstructure:"backend"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
}

// WorkspaceConfig 控制每个客户端工作区的生命周期。
type WorkspaceConfig struct {
	// IdleTTL 为工作区空闲多久后被回收，0 表示永不回收
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
	// LoadTimeout 为创建工作区时读取历史和集合的超时
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

// TimeLocation 解析 history.location，非法值回退为本地时区。
func (h HistoryConfig) TimeLocation() *time.Location {
	if h.Location == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(h.Location)
	if err != nil {
		return time.Local
	}
	return loc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("storage.driver", "redis")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "docchat-file-processing")
	v.SetDefault("kafka.group_id", "docchat-go-consumer")
	v.SetDefault("elasticsearch.index_name", "docchat_knowledge")
	v.SetDefault("embedding.dimensions", 2048)
	v.SetDefault("chat.answer_backend", "mock")
	v.SetDefault("chat.answer_timeout", 60*time.Second)
	v.SetDefault("chat.mock_delay", 2*time.Second)
	v.SetDefault("chat.max_pending", 1)
	v.SetDefault("chat.record_history", true)
	v.SetDefault("chat.top_k", 10)
	v.SetDefault("history.key", "chat_history")
	v.SetDefault("history.max_items", 500)
	v.SetDefault("upload.backend", "mock")
	v.SetDefault("upload.max_file_size", 50*1024*1024)
	v.SetDefault("workspace.idle_ttl", 30*time.Minute)
	v.SetDefault("workspace.load_timeout", 5*time.Second)
}

// Load 从指定路径读取 YAML 配置，环境变量 DOCCHAT_* 可以覆盖文件中的值。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("docchat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 加载配置到全局 Conf，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
