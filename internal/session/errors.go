package session

import "errors"

// 会话层的错误，全部可恢复，只终止引发它的那一次操作。
var (
	ErrNoCollectionSelected   = errors.New("no collection selected")
	ErrUploadFailed           = errors.New("upload failed")
	ErrAnswerGenerationFailed = errors.New("answer generation failed")
	ErrRequestPending         = errors.New("a request is already pending")
	ErrEmptyMessage           = errors.New("message is empty")
	ErrSessionClosed          = errors.New("session closed")
)
