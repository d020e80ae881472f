package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"reconomed-intake/pkg/log"
)

// 记录到日志中的请求体和响应体的最大长度。
const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 同时写入 gin.ResponseWriter 和内部 buffer，buffer 只保留前 maxLoggedBody 字节。
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
// multipart 请求体（上传的文件）和 WebSocket 连接不记录内容，
// 校对表单和患者相关路由的请求体与响应体会被替换为占位符。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var requestBody []byte
		if c.Request.Body != nil && loggableBody(c) {
			requestBody, _ = io.ReadAll(c.Request.Body)
			// 将读取的请求体重新设置回去，以便后续处理函数可以正常读取
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		if c.IsWebsocket() {
			c.Next()
			log.Infow("WebSocket 连接结束", "path", c.Request.URL.Path, "duration", time.Since(startTime).String())
			return
		}

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestBody", loggedBody(c.FullPath(), requestBody),
			"responseBody", loggedBody(c.FullPath(), blw.body.Bytes()),
		)
	}
}

func loggableBody(c *gin.Context) bool {
	ct := c.ContentType()
	return !strings.HasPrefix(ct, "multipart/") && !strings.HasPrefix(ct, "image/") && ct != "application/octet-stream"
}

// redactedRoutes 中的路由会携带患者的个人和临床数据。
var redactedRoutes = []string{"/validation", "/validate", "/patients"}

const redacted = "[redacted]"

// loggedBody 返回可以写入日志的请求体或响应体。
func loggedBody(route string, b []byte) string {
	if len(b) == 0 {
		return ""
	}
	for _, r := range redactedRoutes {
		if strings.Contains(route, r) {
			return redacted
		}
	}
	return truncateBody(b)
}

func truncateBody(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "...(truncated)"
	}
	return string(b)
}
