package repository

import (
	"errors"
	"time"

	"docchat-go/internal/model"

	"gorm.io/gorm"
)

// DocumentRepository 定义了上传文档记录的持久化操作。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByMD5(fileMD5, clientID string) (*model.Document, error)
	FindByID(id uint) (*model.Document, error)
	ListByClient(clientID string) ([]model.Document, error)
	UpdateStatus(id uint, status int) error
	MarkReady(id uint) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 在数据库中创建一条文档记录。
func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByMD5 根据文件 MD5 和客户端 ID 查找文档，不存在时返回 (nil, nil)。
func (r *documentRepository) FindByMD5(fileMD5, clientID string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("file_md5 = ? AND client_id = ?", fileMD5, clientID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) FindByID(id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.First(&doc, id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListByClient 按上传时间倒序列出某个客户端的文档。
func (r *documentRepository) ListByClient(clientID string) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("client_id = ?", clientID).Order("created_at desc").Find(&docs).Error
	return docs, err
}

// UpdateStatus 更新文档的处理状态。
func (r *documentRepository) UpdateStatus(id uint, status int) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).Update("status", status).Error
}

// MarkReady 将文档标记为可检索并记录完成时间。
func (r *documentRepository) MarkReady(id uint) error {
	now := time.Now()
	return r.db.Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":   model.DocumentStatusReady,
		"ready_at": &now,
	}).Error
}
