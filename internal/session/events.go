package session

import "docchat-go/internal/model"

// EventType 区分推送给订阅者的事件。
type EventType string

const (
	EventMessages     EventType = "messages"
	EventCollections  EventType = "collections"
	EventNotification EventType = "notification"
)

// 通知级别
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notification 是展示给用户的临时提示。
type Notification struct {
	Kind        string `json:"kind"`
	Level       string `json:"level"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Event 是会话状态变化的快照。
type Event struct {
	Type         EventType       `json:"type"`
	Messages     []model.Message `json:"messages,omitempty"`
	Collections  []string        `json:"collections,omitempty"`
	Selected     string          `json:"selected,omitempty"`
	Notification *Notification   `json:"notification,omitempty"`
}

// State 是会话的完整快照。
type State struct {
	Messages    []model.Message `json:"messages"`
	Collections []string        `json:"collections"`
	Selected    string          `json:"selected"`
	Pending     int             `json:"pending"`
}

var (
	noticeNoCollection = Notification{
		Kind:        "NoCollectionSelected",
		Level:       LevelError,
		Title:       "No collection selected",
		Description: "Please select a document collection first.",
	}
	noticeAnswerFailed = Notification{
		Kind:        "AnswerGenerationFailed",
		Level:       LevelError,
		Title:       "Error",
		Description: "Failed to get a response. Please try again.",
	}
	noticeUploadFailed = Notification{
		Kind:        "UploadFailed",
		Level:       LevelError,
		Title:       "Upload Failed",
		Description: "There was an error uploading your file.",
	}
	noticeHistoryNotSaved = Notification{
		Kind:        "HistoryNotSaved",
		Level:       LevelWarning,
		Title:       "History not saved",
		Description: "Your question was answered but could not be saved to history.",
	}
)
