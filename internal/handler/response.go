// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"reconomed-intake/internal/service"
	"reconomed-intake/internal/session"
	"reconomed-intake/pkg/backend"
	"reconomed-intake/pkg/log"
)

// 客户端主动断开时使用的状态码。
const statusClientClosed = 499

func success(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": message, "data": data})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message, "data": nil})
}

// statusFor 把错误类型映射为 HTTP 状态码。
func statusFor(err error) int {
	var verr *service.ValidationError
	var apiErr *backend.APIError
	var netErr *backend.NetworkError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrQuotaExceeded), errors.Is(err, session.ErrDuplicate), errors.Is(err, session.ErrAlreadyProcessing):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return statusClientClosed
	}
	return http.StatusInternalServerError
}

// fail 写出错误响应。message 总是包含错误原因，界面直接展示。
func fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("%s失败: %v", op, err)
	} else {
		log.Warnf("%s失败: %v", op, err)
	}
	var data any
	var verr *service.ValidationError
	if errors.As(err, &verr) && len(verr.Fields) > 0 {
		data = gin.H{"fields": verr.Fields}
	}
	c.JSON(status, gin.H{"code": status, "message": op + "失败: " + err.Error(), "data": data})
}
