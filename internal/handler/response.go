// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"errors"
	"net/http"

	"docchat-go/internal/middleware"
	"docchat-go/internal/session"
	"docchat-go/internal/workspace"
	"docchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// Workspaces 按客户端 ID 返回工作区，*workspace.Registry 实现了该接口。
type Workspaces interface {
	Get(ctx context.Context, clientID string) (*workspace.Workspace, error)
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

// currentWorkspace 取出 AuthMiddleware 注入的客户端对应的工作区，失败时已写好响应。
func currentWorkspace(c *gin.Context, workspaces Workspaces) (*workspace.Workspace, bool) {
	clientID := c.GetString(middleware.ClientIDKey)
	if clientID == "" {
		respond(c, http.StatusUnauthorized, "无法获取客户端信息", nil)
		return nil, false
	}
	ws, err := workspaces.Get(c.Request.Context(), clientID)
	if err != nil {
		log.Errorf("获取工作区失败, client: %s, error: %v", clientID, err)
		respond(c, http.StatusServiceUnavailable, workspaceErrorMessage(err), nil)
		return nil, false
	}
	return ws, true
}

func workspaceErrorMessage(err error) string {
	if errors.Is(err, session.ErrSessionClosed) {
		return "服务正在关闭"
	}
	return "暂时无法加载会话，请稍后重试"
}
