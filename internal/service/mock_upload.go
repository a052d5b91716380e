package service

import (
	"context"
	"io"
	"time"

	"docchat-go/internal/model"
)

type mockUploadService struct {
	delay   time.Duration
	maxSize int64
}

// NewMockUploadService 返回只做校验、等待 delay 后即视为成功的上传服务。
func NewMockUploadService(delay time.Duration, maxSize int64) UploadService {
	return &mockUploadService{delay: delay, maxSize: maxSize}
}

func (s *mockUploadService) Upload(ctx context.Context, _ string, file model.UploadFile) (string, error) {
	if err := ValidateUpload(file, s.maxSize); err != nil {
		return "", err
	}
	if file.Reader != nil {
		_, _ = io.Copy(io.Discard, file.Reader)
	}

	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	return model.CollectionFromFileName(file.FileName), nil
}

func (s *mockUploadService) Collections(string) ([]string, error) {
	return nil, nil
}
