// Package server assembles the gin engine and HTTP server.
package server

import (
	"github.com/Wei-Shaw/tavily2api/internal/config"
	"github.com/Wei-Shaw/tavily2api/internal/handler"
	"github.com/Wei-Shaw/tavily2api/internal/handler/admin"
	"github.com/Wei-Shaw/tavily2api/internal/pkg/response"
	"github.com/Wei-Shaw/tavily2api/internal/server/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers 路由所需的全部 handler。
type Handlers struct {
	Gateway *handler.GatewayHandler
	Keys    *admin.KeyHandler
	Sync    *admin.SyncHandler
}

// NewRouter builds the gin engine with the full middleware chain and routes.
func NewRouter(cfg *config.Config, h Handlers) *gin.Engine {
	gin.SetMode(ginMode(cfg.Server.Mode))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.CORS))

	r.GET("/health", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// 管理面：key 池与同步控制
	api := r.Group("/api", middleware.AdminAuth(cfg.Admin.Token))
	{
		api.POST("/keys/import", h.Keys.Import)
		api.GET("/keys", h.Keys.List)
		api.GET("/keys/stats", h.Keys.Stats)
		api.GET("/keys/:key", h.Keys.Get)
		api.PATCH("/keys/:key", h.Keys.Update)
		api.DELETE("/keys/:key", h.Keys.Delete)

		api.POST("/sync", h.Sync.Start)
		api.GET("/sync/progress", h.Sync.Progress)
	}

	// 数据面：对外代理入口，不做鉴权，凭证由池统一注入
	r.POST("/search", h.Gateway.Search)
	r.Any("/proxy/*path", h.Gateway.Proxy)

	return r
}

func ginMode(mode string) string {
	switch mode {
	case "debug":
		return gin.DebugMode
	case "test":
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}
