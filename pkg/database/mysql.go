package database

import (
	"time"

	"docchat-go/internal/model"
	"docchat-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// OpenMySQL 打开 MySQL 连接并迁移文档表与键值表。
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&model.Document{}, &model.KVEntry{}); err != nil {
		return nil, err
	}

	log.Info("MySQL database connected successfully")
	return db, nil
}
