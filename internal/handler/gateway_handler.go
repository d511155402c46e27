// Package handler exposes the public proxy surface over gin.
package handler

import (
	"github.com/Wei-Shaw/tavily2api/internal/service"

	"github.com/gin-gonic/gin"
)

type GatewayHandler struct {
	gateway *service.GatewayService
}

func NewGatewayHandler(gateway *service.GatewayService) *GatewayHandler {
	return &GatewayHandler{gateway: gateway}
}

// Search 便捷入口，等价于 /proxy/search。
func (h *GatewayHandler) Search(c *gin.Context) {
	h.gateway.Relay(c, "/search")
}

// Proxy relays any method and path under /proxy/* to the upstream API.
func (h *GatewayHandler) Proxy(c *gin.Context) {
	path := c.Param("path")
	if path == "" {
		path = "/"
	}
	h.gateway.Relay(c, path)
}
