package handler

import (
	"docchat-go/internal/middleware"
	"docchat-go/internal/service"
	"docchat-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// NewRouter 创建路由引擎并注册全部路由。
func NewRouter(jwtManager *token.JWTManager, workspaces Workspaces, themeService service.ThemeService) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	chatHandler := NewChatHandler(workspaces, jwtManager)
	documentHandler := NewDocumentHandler(workspaces)
	historyHandler := NewHistoryHandler(workspaces)
	themeHandler := NewThemeHandler(themeService)

	apiV1 := r.Group("/api/v1")
	{
		// 无需认证
		apiV1.POST("/clients", NewClientHandler(jwtManager).Register)

		authed := apiV1.Group("/")
		authed.Use(middleware.AuthMiddleware(jwtManager))
		{
			chat := authed.Group("/chat")
			{
				chat.GET("/messages", chatHandler.GetMessages)
				chat.POST("/messages", chatHandler.PostMessage)
				chat.GET("/collections", chatHandler.GetCollections)
				chat.PUT("/collection", chatHandler.SelectCollection)
			}

			authed.POST("/documents", documentHandler.Upload)

			hist := authed.Group("/history")
			{
				hist.GET("", historyHandler.List)
				hist.PUT("/filters", historyHandler.SetFilters)
				hist.DELETE("", historyHandler.Clear)
			}

			authed.GET("/theme", themeHandler.Get)
			authed.PUT("/theme", themeHandler.Set)
		}
	}

	// WebSocket 无法携带请求头，令牌放在路径中
	r.GET("/chat/:token", chatHandler.Handle)
	return r
}
