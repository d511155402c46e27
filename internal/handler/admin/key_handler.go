// Package admin exposes the operator API: key pool management and sync control.
package admin

import (
	"net/http"

	"github.com/Wei-Shaw/tavily2api/internal/pkg/response"
	"github.com/Wei-Shaw/tavily2api/internal/service"

	"github.com/gin-gonic/gin"
)

type KeyHandler struct {
	keys *service.KeyService
}

func NewKeyHandler(keys *service.KeyService) *KeyHandler {
	return &KeyHandler{keys: keys}
}

type importKeysRequest struct {
	Keys []string `json:"keys" binding:"required"`
}

// Import handles POST /api/keys/import.
func (h *KeyHandler) Import(c *gin.Context) {
	var req importKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.keys.Import(c.Request.Context(), req.Keys)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// List handles GET /api/keys.
func (h *KeyHandler) List(c *gin.Context) {
	views, err := h.keys.List(c.Request.Context())
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, views)
}

// Get handles GET /api/keys/:key.
func (h *KeyHandler) Get(c *gin.Context) {
	view, err := h.keys.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, view)
}

type updateKeyRequest struct {
	Alias    *string  `json:"alias"`
	Note     *string  `json:"note"`
	Tags     []string `json:"tags"`
	IsActive *bool    `json:"is_active"`
}

// Update handles PATCH /api/keys/:key. 只接受运营侧字段，失效终态不可恢复。
func (h *KeyHandler) Update(c *gin.Context) {
	var req updateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	view, err := h.keys.Update(c.Request.Context(), c.Param("key"), service.KeyUpdate{
		Alias:    req.Alias,
		Note:     req.Note,
		Tags:     req.Tags,
		IsActive: req.IsActive,
	})
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, view)
}

// Delete handles DELETE /api/keys/:key.
func (h *KeyHandler) Delete(c *gin.Context) {
	if err := h.keys.Delete(c.Request.Context(), c.Param("key")); err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{"deleted": true})
}

// Stats handles GET /api/keys/stats.
func (h *KeyHandler) Stats(c *gin.Context) {
	stats, err := h.keys.Stats(c.Request.Context())
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, stats)
}
