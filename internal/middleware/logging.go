// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"docchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// maxLoggedBody 为日志中记录的请求/响应体的最大字节数
const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w bodyLogWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - w.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
// 只记录 JSON 请求体，上传的文件和 WebSocket 流不会被缓存。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var requestBody []byte
		if c.Request.Body != nil && strings.HasPrefix(c.ContentType(), "application/json") {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		var blw *bodyLogWriter
		if c.GetHeader("Upgrade") == "" {
			blw = &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
			c.Writer = blw
		}

		c.Next()

		fields := []interface{}{
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		}
		if clientID, ok := c.Get(ClientIDKey); ok {
			fields = append(fields, "clientId", clientID)
		}
		if len(requestBody) > 0 {
			body := requestBody
			if len(body) > maxLoggedBody {
				body = body[:maxLoggedBody]
			}
			fields = append(fields, "requestBody", string(body))
		}
		if blw != nil {
			fields = append(fields, "responseBody", blw.body.String())
		}
		log.Infow("HTTP Request Log", fields...)
	}
}
