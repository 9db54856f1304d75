package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/campfire/internal/handler"
)

// SetupRoutes 设置全局中间件与健康检查
func SetupRoutes(r *gin.Engine, mw *MiddlewareManager, allowedOrigins []string, stats handler.Stats) {
	r.Use(mw.Recovery(), mw.Trace(), mw.Logger(), mw.CORS(allowedOrigins))

	// 健康检查
	r.GET("/health", handler.Health(stats))
}
