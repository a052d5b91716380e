// Package storage 提供了与 MinIO 对象存储交互的功能。
package storage

import (
	"context"
	"fmt"
	"io"

	"docchat-go/internal/config"
	"docchat-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore 是上传服务和处理管道用到的对象存储操作。
type ObjectStore interface {
	PutObject(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	GetObject(ctx context.Context, objectName string) (io.ReadCloser, error)
}

// MinioStore 是基于 MinIO 的 ObjectStore。
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore 初始化 MinIO 客户端并确保存储桶存在。
func NewMinioStore(ctx context.Context, cfg config.MinIOConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Infof("MinIO 客户端初始化成功, bucket: %s", cfg.BucketName)
	return &MinioStore{client: client, bucket: cfg.BucketName}, nil
}

// PutObject 上传对象，size 为 -1 时由 SDK 分块流式上传。
func (s *MinioStore) PutObject(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// GetObject 下载对象，调用方负责关闭。
func (s *MinioStore) GetObject(ctx context.Context, objectName string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
}
