package model

import (
	"io"
	"strings"
	"time"
)

// 文档处理状态
const (
	DocumentStatusUploaded   = 0
	DocumentStatusProcessing = 1
	DocumentStatusReady      = 2
	DocumentStatusFailed     = 3
)

// Document 对应 documents 表，记录一次 PDF 上传及其派生的集合。
type Document struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	FileMD5    string     `gorm:"type:varchar(32);not null;index" json:"fileMd5"`
	FileName   string     `gorm:"type:varchar(255);not null" json:"fileName"`
	Collection string     `gorm:"type:varchar(255);not null;index" json:"collection"`
	ClientID   string     `gorm:"type:varchar(64);not null;index" json:"clientId"`
	TotalSize  int64      `gorm:"not null" json:"totalSize"`
	ObjectName string     `gorm:"type:varchar(512)" json:"objectName"`
	Status     int        `gorm:"type:tinyint;not null;default:0" json:"status"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	ReadyAt    *time.Time `gorm:"default:null" json:"readyAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// UploadFile 是一次待上传的文档。
type UploadFile struct {
	FileName    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// CollectionFromFileName 由上传文件名派生集合名：去掉末尾的 .pdf（不区分大小写）。
func CollectionFromFileName(fileName string) string {
	name := strings.TrimSpace(fileName)
	if len(name) >= 4 && strings.EqualFold(name[len(name)-4:], ".pdf") {
		name = name[:len(name)-4]
	}
	return name
}
