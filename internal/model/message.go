// Package model 包含了应用的数据模型定义。
package model

import "time"

// Role 标识消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是会话中的一条聊天消息。
// Loading 为 true 时表示占位消息，此时 Content 为空。
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Loading   bool      `json:"loading,omitempty"`
}

// IsPlaceholder 判断消息是否仍在等待回答。
func (m Message) IsPlaceholder() bool {
	return m.Loading
}
