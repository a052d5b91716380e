package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"docchat-go/internal/model"
	"docchat-go/internal/repository"
	"docchat-go/pkg/log"
	"docchat-go/pkg/storage"
	"docchat-go/pkg/tasks"
)

// ErrInvalidDocument 表示上传的文件不是可接受的 PDF。
var ErrInvalidDocument = errors.New("invalid document")

// TaskProducer 投递文档处理任务，*kafka.Producer 实现了该接口。
type TaskProducer interface {
	ProduceDocumentTask(ctx context.Context, task tasks.DocumentProcessingTask) error
}

// UploadService 接口定义了文档上传相关的业务操作。
type UploadService interface {
	// Upload 保存文档并返回派生出的集合名。
	Upload(ctx context.Context, clientID string, file model.UploadFile) (string, error)
	// Collections 按上传顺序返回客户端已有的集合。
	Collections(clientID string) ([]string, error)
}

// ValidateUpload 只接受 PDF，并限制文件大小（maxSize <= 0 表示不限制）。
func ValidateUpload(file model.UploadFile, maxSize int64) error {
	if strings.TrimSpace(file.FileName) == "" {
		return fmt.Errorf("%w: missing file name", ErrInvalidDocument)
	}
	isPDF := strings.EqualFold(path.Ext(file.FileName), ".pdf") ||
		strings.HasPrefix(strings.ToLower(file.ContentType), "application/pdf")
	if !isPDF {
		return fmt.Errorf("%w: only PDF files are supported, got %q", ErrInvalidDocument, file.FileName)
	}
	if model.CollectionFromFileName(file.FileName) == "" {
		return fmt.Errorf("%w: file name %q does not name a collection", ErrInvalidDocument, file.FileName)
	}
	if maxSize > 0 && file.Size > maxSize {
		return fmt.Errorf("%w: file is %d bytes, limit is %d", ErrInvalidDocument, file.Size, maxSize)
	}
	return nil
}

type uploadService struct {
	store    storage.ObjectStore
	docRepo  repository.DocumentRepository
	producer TaskProducer
	maxSize  int64
}

// NewUploadService 创建把文档写入 MinIO、记录到 MySQL 并投递 Kafka 任务的上传服务。
func NewUploadService(store storage.ObjectStore, docRepo repository.DocumentRepository, producer TaskProducer, maxSize int64) UploadService {
	return &uploadService{
		store:    store,
		docRepo:  docRepo,
		producer: producer,
		maxSize:  maxSize,
	}
}

func (s *uploadService) Upload(ctx context.Context, clientID string, file model.UploadFile) (string, error) {
	if err := ValidateUpload(file, s.maxSize); err != nil {
		return "", err
	}
	collection := model.CollectionFromFileName(file.FileName)

	// 读入内存计算 MD5，同时防止声明的大小与实际内容不符
	if file.Reader == nil {
		return "", fmt.Errorf("%w: file is empty", ErrInvalidDocument)
	}
	reader := file.Reader
	if s.maxSize > 0 {
		reader = io.LimitReader(reader, s.maxSize+1)
	}
	var buf bytes.Buffer
	hash := md5.New()
	n, err := io.Copy(io.MultiWriter(&buf, hash), reader)
	if err != nil {
		return "", fmt.Errorf("读取上传内容失败: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: file is empty", ErrInvalidDocument)
	}
	if s.maxSize > 0 && n > s.maxSize {
		return "", fmt.Errorf("%w: file exceeds the %d byte limit", ErrInvalidDocument, s.maxSize)
	}
	fileMD5 := hex.EncodeToString(hash.Sum(nil))
	log.Infof("[UploadService] 收到上传, client: %s, file: %s, md5: %s, size: %d", clientID, file.FileName, fileMD5, n)

	// 同一客户端重复上传同一文件时直接复用已有记录
	existing, err := s.docRepo.FindByMD5(fileMD5, clientID)
	if err != nil {
		return "", fmt.Errorf("查询文档记录失败: %w", err)
	}
	if existing != nil && existing.Status != model.DocumentStatusFailed {
		log.Infof("[UploadService] 文档已存在, 跳过上传, md5: %s", fileMD5)
		return existing.Collection, nil
	}

	objectName := fmt.Sprintf("documents/%s/%s", fileMD5, path.Base(file.FileName))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	if err := s.store.PutObject(ctx, objectName, bytes.NewReader(buf.Bytes()), n, contentType); err != nil {
		log.Errorf("[UploadService] 上传到 MinIO 失败, object: %s, error: %v", objectName, err)
		return "", fmt.Errorf("上传到对象存储失败: %w", err)
	}

	doc := &model.Document{
		FileMD5:    fileMD5,
		FileName:   file.FileName,
		Collection: collection,
		ClientID:   clientID,
		TotalSize:  n,
		ObjectName: objectName,
		Status:     model.DocumentStatusUploaded,
	}
	if err := s.docRepo.Create(doc); err != nil {
		return "", fmt.Errorf("创建文档记录失败: %w", err)
	}

	task := tasks.DocumentProcessingTask{
		DocumentID: doc.ID,
		FileMD5:    fileMD5,
		ObjectName: objectName,
		FileName:   file.FileName,
		Collection: collection,
		ClientID:   clientID,
	}
	if err := s.producer.ProduceDocumentTask(ctx, task); err != nil {
		_ = s.docRepo.UpdateStatus(doc.ID, model.DocumentStatusFailed)
		return "", fmt.Errorf("投递处理任务失败: %w", err)
	}
	log.Infof("[UploadService] 已投递处理任务, document: %d, collection: %s", doc.ID, collection)
	return collection, nil
}

func (s *uploadService) Collections(clientID string) ([]string, error) {
	docs, err := s.docRepo.ListByClient(clientID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(docs))
	var out []string
	// ListByClient 按时间倒序，这里还原为上传顺序
	for i := len(docs) - 1; i >= 0; i-- {
		d := docs[i]
		if d.Status == model.DocumentStatusFailed {
			continue
		}
		if _, ok := seen[d.Collection]; ok {
			continue
		}
		seen[d.Collection] = struct{}{}
		out = append(out, d.Collection)
	}
	return out, nil
}

// ClientUploader 把 UploadService 绑定到单个客户端，满足 session.Uploader。
type ClientUploader struct {
	Service  UploadService
	ClientID string
}

// UploadDocument 为绑定的客户端上传文档。
func (u ClientUploader) UploadDocument(ctx context.Context, file model.UploadFile) (string, error) {
	return u.Service.Upload(ctx, u.ClientID, file)
}
