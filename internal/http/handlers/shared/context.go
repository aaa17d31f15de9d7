package shared

import (
	"strconv"
	"strings"

	"github.com/covoit-next/internal/http/response"

	"github.com/gin-gonic/gin"
)

// 鉴权中间件写入的上下文键
const (
	OperatorIDKey       = "operator_id"
	OperatorNameKey     = "operator_username"
	OperatorIsSuperKey  = "operator_is_super"
	InternalCallerKey   = "internal_caller"
	defaultInternalName = "internal"
)

// GetOperatorID 读取当前运营账号 ID，缺失时直接写入错误响应
func GetOperatorID(c *gin.Context) (uint, bool) {
	value, exists := c.Get(OperatorIDKey)
	if !exists {
		RespondError(c, response.CodeUnauthorized, "unauthorized", nil)
		return 0, false
	}
	switch v := value.(type) {
	case uint:
		return v, true
	case int:
		if v > 0 {
			return uint(v), true
		}
	case float64:
		if v > 0 {
			return uint(v), true
		}
	}
	RespondError(c, response.CodeUnauthorized, "operator id invalid", nil)
	return 0, false
}

// ActorName 审计日志中的操作人
func ActorName(c *gin.Context) string {
	if value, ok := c.Get(OperatorNameKey); ok {
		if name, ok := value.(string); ok && strings.TrimSpace(name) != "" {
			return "operator:" + strings.TrimSpace(name)
		}
	}
	if value, ok := c.Get(InternalCallerKey); ok {
		if name, ok := value.(string); ok && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
	}
	return defaultInternalName
}

// ParseUintParam 解析路径中的正整数 ID
func ParseUintParam(c *gin.Context, name string) (uint, bool) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		RespondError(c, response.CodeBadRequest, name+" is invalid", nil)
		return 0, false
	}
	return uint(id), true
}
