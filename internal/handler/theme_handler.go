package handler

import (
	"errors"
	"net/http"

	"docchat-go/internal/middleware"
	"docchat-go/internal/model"
	"docchat-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ThemeHandler 负责主题偏好。
type ThemeHandler struct {
	themeService service.ThemeService
}

// NewThemeHandler 创建一个新的 ThemeHandler 实例。
func NewThemeHandler(themeService service.ThemeService) *ThemeHandler {
	return &ThemeHandler{themeService: themeService}
}

// Get 返回保存的主题；请求头 Sec-CH-Prefers-Color-Scheme 为 dark 时 system 解析为暗色。
func (h *ThemeHandler) Get(c *gin.Context) {
	pref := h.themeService.Get(c.Request.Context(), c.GetString(middleware.ClientIDKey))
	systemDark := c.GetHeader("Sec-CH-Prefers-Color-Scheme") == "dark"
	respond(c, http.StatusOK, "success", gin.H{
		"theme": pref,
		"dark":  pref.ResolveDark(systemDark),
	})
}

// SetThemeRequest 是设置主题的请求体。
type SetThemeRequest struct {
	Theme model.ThemePreference `json:"theme" binding:"required"`
}

// Set 保存主题偏好。
func (h *ThemeHandler) Set(c *gin.Context) {
	var req SetThemeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	if err := h.themeService.Set(c.Request.Context(), c.GetString(middleware.ClientIDKey), req.Theme); err != nil {
		if errors.Is(err, service.ErrInvalidTheme) {
			respond(c, http.StatusBadRequest, "theme 必须为 light、dark 或 system", nil)
			return
		}
		respond(c, http.StatusInternalServerError, "保存主题失败", nil)
		return
	}
	respond(c, http.StatusOK, "success", gin.H{"theme": req.Theme})
}
