// Package response provides the JSON response envelope used by handlers.
package response

import (
	"net/http"

	infraerrors "github.com/Wei-Shaw/tavily2api/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

type Body struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Code: "OK", Data: data})
}

func Error(c *gin.Context, status int, message string) {
	c.JSON(status, Body{Code: http.StatusText(status), Message: message})
}

// ErrorFrom 将业务错误映射为响应；未知错误统一 500
func ErrorFrom(c *gin.Context, err error) {
	e := infraerrors.FromError(err)
	c.JSON(e.Status, Body{Code: e.Code, Message: e.Message})
}
