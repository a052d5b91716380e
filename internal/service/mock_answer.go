package service

import (
	"context"
	"fmt"
	"html"
	"time"
)

type mockAnswerService struct {
	delay time.Duration
}

// NewMockAnswerService 返回一个固定延迟后给出模拟回答的服务，不依赖任何外部组件。
func NewMockAnswerService(delay time.Duration) AnswerService {
	return &mockAnswerService{delay: delay}
}

func (s *mockAnswerService) Answer(ctx context.Context, _, collection, _ string) (string, error) {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	return fmt.Sprintf("<p>This is a simulated response to your question about <strong>%s</strong>. "+
		"In an actual implementation, this would be answered by an AI backend based on the content of your document.</p>",
		html.EscapeString(collection)), nil
}
