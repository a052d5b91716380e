package service

import (
	"context"
	"errors"
	"fmt"

	"docchat-go/internal/model"
	"docchat-go/internal/repository"
	"docchat-go/pkg/log"
)

// ErrInvalidTheme 表示主题取值不是 light、dark、system 之一。
var ErrInvalidTheme = errors.New("invalid theme preference")

// ThemeService 读写客户端的主题偏好。
type ThemeService interface {
	Get(ctx context.Context, clientID string) model.ThemePreference
	Set(ctx context.Context, clientID string, pref model.ThemePreference) error
}

type themeService struct {
	repo repository.KVRepository
}

// NewThemeService 创建一个新的 ThemeService 实例。
func NewThemeService(repo repository.KVRepository) ThemeService {
	return &themeService{repo: repo}
}

// ClientKey 返回客户端私有的存储键。
func ClientKey(clientID, key string) string {
	return fmt.Sprintf("client:%s:%s", clientID, key)
}

// Get 返回保存的主题，缺失或非法时为 system。
func (s *themeService) Get(ctx context.Context, clientID string) model.ThemePreference {
	data, err := s.repo.Get(ctx, ClientKey(clientID, model.ThemeKey))
	if err != nil {
		if !errors.Is(err, repository.ErrKeyNotFound) {
			log.Warnf("[ThemeService] 读取主题失败, client: %s, error: %v", clientID, err)
		}
		return model.ThemeSystem
	}
	pref := model.ThemePreference(data)
	if !pref.Valid() {
		return model.ThemeSystem
	}
	return pref
}

func (s *themeService) Set(ctx context.Context, clientID string, pref model.ThemePreference) error {
	if !pref.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTheme, pref)
	}
	return s.repo.Set(ctx, ClientKey(clientID, model.ThemeKey), []byte(pref))
}
