package database

import (
	"context"

	"docchat-go/internal/config"
	"docchat-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// OpenRedis 创建 Redis 客户端并测试连接。
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	log.Info("Redis client connected successfully")
	return rdb, nil
}
