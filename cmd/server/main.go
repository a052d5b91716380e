// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docchat-go/internal/config"
	"docchat-go/internal/handler"
	"docchat-go/internal/pipeline"
	"docchat-go/internal/repository"
	"docchat-go/internal/service"
	"docchat-go/internal/workspace"
	"docchat-go/pkg/database"
	"docchat-go/pkg/embedding"
	"docchat-go/pkg/es"
	"docchat-go/pkg/kafka"
	"docchat-go/pkg/llm"
	"docchat-go/pkg/log"
	"docchat-go/pkg/storage"
	"docchat-go/pkg/tika"
	"docchat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// infra 懒加载共享的数据库连接，只有配置用到时才会建立。
type infra struct {
	cfg   config.Config
	db    *gorm.DB
	rdb   *redis.Client
	esCli *es.Client
}

func (i *infra) mysql() *gorm.DB {
	if i.db == nil {
		db, err := database.OpenMySQL(i.cfg.Database.MySQL.DSN)
		if err != nil {
			log.Fatal("failed to connect database", err)
		}
		i.db = db
	}
	return i.db
}

func (i *infra) redisClient(ctx context.Context) *redis.Client {
	if i.rdb == nil {
		rdb, err := database.OpenRedis(ctx, i.cfg.Database.Redis)
		if err != nil {
			log.Fatal("failed to connect to redis", err)
		}
		i.rdb = rdb
	}
	return i.rdb
}

func (i *infra) elasticsearch(ctx context.Context) *es.Client {
	if i.esCli == nil {
		cli, err := es.NewClient(i.cfg.Elasticsearch)
		if err != nil {
			log.Fatalf("es 初始化失败: %v", err)
		}
		if err := cli.EnsureIndex(ctx, i.cfg.Embedding.Dimensions); err != nil {
			log.Fatalf("es 索引初始化失败: %v", err)
		}
		i.esCli = cli
	}
	return i.esCli
}

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	deps := &infra{cfg: cfg}

	// 3. 持久化键值存储（查询历史、主题）
	var kv repository.KVRepository
	switch cfg.Storage.Driver {
	case "mysql":
		kv = repository.NewGormKVRepository(deps.mysql())
	default:
		kv = repository.NewRedisKVRepository(deps.redisClient(ctx))
	}
	log.Infof("键值存储后端: %s", cfg.Storage.Driver)

	// 4. 回答服务
	var answers service.AnswerService
	switch cfg.Chat.AnswerBackend {
	case "rag":
		embeddingClient := embedding.NewClient(cfg.Embedding)
		searchService := service.NewSearchService(embeddingClient, deps.elasticsearch(ctx))
		answers = service.NewRAGAnswerService(searchService, llm.NewClient(cfg.LLM), cfg.LLM, cfg.Chat.TopK)
	default:
		answers = service.NewMockAnswerService(cfg.Chat.MockDelay)
	}
	log.Infof("回答后端: %s", cfg.Chat.AnswerBackend)

	// 5. 上传服务；pipeline 模式下同时启动 Kafka 消费者处理文档
	var uploads service.UploadService
	var producer *kafka.Producer
	switch cfg.Upload.Backend {
	case "pipeline":
		store, err := storage.NewMinioStore(ctx, cfg.MinIO)
		if err != nil {
			log.Fatalf("MinIO 初始化失败: %v", err)
		}
		docRepo := repository.NewDocumentRepository(deps.mysql())
		producer = kafka.NewProducer(cfg.Kafka)
		uploads = service.NewUploadService(store, docRepo, producer, cfg.Upload.MaxFileSize)

		processor := pipeline.NewProcessor(
			store,
			tika.NewClient(cfg.Tika),
			embedding.NewClient(cfg.Embedding),
			deps.elasticsearch(ctx),
			docRepo,
			cfg.Embedding.Model,
		)
		consumer := kafka.NewConsumer(cfg.Kafka, processor, kafka.NewAttemptTracker(deps.redisClient(ctx)))
		go consumer.Run(ctx)
	default:
		uploads = service.NewMockUploadService(3*time.Second, cfg.Upload.MaxFileSize)
	}
	log.Infof("上传后端: %s", cfg.Upload.Backend)

	// 6. 工作区与路由
	registry := workspace.NewRegistry(kv, answers, uploads, cfg.Chat, cfg.History, cfg.Workspace)
	go registry.RunSweeper(ctx)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)

	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(jwtManager, registry, service.NewThemeService(kv))

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 关闭所有会话，进行中的回答会被取消
	registry.CloseAll()
	stop()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	if deps.rdb != nil {
		_ = deps.rdb.Close()
	}
	log.Info("服务已优雅关闭")
}
