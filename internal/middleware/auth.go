// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"docchat-go/pkg/log"
	"docchat-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// ClientIDKey 是 gin 上下文中保存客户端 ID 的键。
const ClientIDKey = "clientID"

// AuthMiddleware 创建一个 Gin 中间件，用于客户端令牌认证。
// 它会从 Authorization 请求头中提取 token，验证后把客户端 ID 存入上下文。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权头", "data": nil})
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式", "data": nil})
			return
		}

		clientID, err := jwtManager.VerifyToken(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			log.Debugf("令牌验证失败: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}

		c.Set(ClientIDKey, clientID)
		c.Next()
	}
}
