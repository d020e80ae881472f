// Package service 包含了应用的业务逻辑层。
package service

import (
	"fmt"
	"strings"
)

// ValidationError 表示在任何网络调用之前就能发现的输入错误，例如必填字段缺失。
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, ", "))
}

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
