package admin

import (
	handlershared "github.com/covoit-next/internal/http/handlers/shared"
	"github.com/covoit-next/internal/provider"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 运营后台接口处理器入口
// 说明：该处理器仅用于运营端 API，路由层负责 JWT 与 RBAC。
type Handler struct {
	*provider.Container
}

// New 创建后台处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c}
}

func requestLog(c *gin.Context) *zap.SugaredLogger {
	return handlershared.RequestLog(c)
}

func respondError(c *gin.Context, code int, msg string, err error) {
	handlershared.RespondError(c, code, msg, err)
}
