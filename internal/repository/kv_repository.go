// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"

	"docchat-go/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrKeyNotFound 表示持久化存储中不存在该键。
var ErrKeyNotFound = errors.New("key not found")

// KVRepository 是整值读写的持久化键值存储，写入总是覆盖整个值。
type KVRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type redisKVRepository struct {
	redisClient *redis.Client
}

// NewRedisKVRepository 创建基于 Redis 的 KVRepository，键不设置过期时间。
func NewRedisKVRepository(redisClient *redis.Client) KVRepository {
	return &redisKVRepository{redisClient: redisClient}
}

func (r *redisKVRepository) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.redisClient.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return data, nil
}

func (r *redisKVRepository) Set(ctx context.Context, key string, value []byte) error {
	if err := r.redisClient.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *redisKVRepository) Delete(ctx context.Context, key string) error {
	if err := r.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

type gormKVRepository struct {
	db *gorm.DB
}

// NewGormKVRepository 创建基于 kv_entries 表的 KVRepository。
func NewGormKVRepository(db *gorm.DB) KVRepository {
	return &gormKVRepository{db: db}
}

func (r *gormKVRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var entry model.KVEntry
	err := r.db.WithContext(ctx).Where("`key` = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return []byte(entry.Value), nil
}

// Set 使用 upsert 保证整值覆盖在单条语句内完成。
func (r *gormKVRepository) Set(ctx context.Context, key string, value []byte) error {
	entry := model.KVEntry{Key: key, Value: string(value)}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *gormKVRepository) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Where("`key` = ?", key).Delete(&model.KVEntry{}).Error; err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}
