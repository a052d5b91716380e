package model

import "time"

// KVEntry 对应 kv_entries 表，MySQL 作为持久化存储后端时使用。
type KVEntry struct {
	Key       string    `gorm:"type:varchar(255);primaryKey" json:"key"`
	Value     string    `gorm:"type:longtext;not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (KVEntry) TableName() string {
	return "kv_entries"
}
