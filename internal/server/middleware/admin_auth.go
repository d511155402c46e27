package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Wei-Shaw/tavily2api/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

// AdminAuth 管理接口的 Bearer 鉴权。
//
// token 未配置时拒绝一切访问：管理面宁可不可用也不裸奔。
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			response.Error(c, http.StatusForbidden, "admin API disabled: no admin token configured")
			c.Abort()
			return
		}

		authz := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			response.Error(c, http.StatusUnauthorized, "invalid admin token")
			c.Abort()
			return
		}

		c.Next()
	}
}
