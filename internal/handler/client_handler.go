package handler

import (
	"net/http"

	"docchat-go/pkg/log"
	"docchat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ClientHandler 负责为新客户端签发令牌。
type ClientHandler struct {
	jwtManager *token.JWTManager
}

// NewClientHandler 创建一个新的 ClientHandler 实例。
func NewClientHandler(jwtManager *token.JWTManager) *ClientHandler {
	return &ClientHandler{jwtManager: jwtManager}
}

// Register 为一个新客户端生成 ID 并签发令牌，之后所有请求都使用该令牌。
func (h *ClientHandler) Register(c *gin.Context) {
	clientID := uuid.NewString()
	tok, err := h.jwtManager.GenerateToken(clientID)
	if err != nil {
		log.Error("签发客户端令牌失败", err)
		respond(c, http.StatusInternalServerError, "服务器内部错误", nil)
		return
	}
	log.Infof("已注册新客户端: %s", clientID)
	respond(c, http.StatusOK, "success", gin.H{"clientId": clientID, "token": tok})
}
