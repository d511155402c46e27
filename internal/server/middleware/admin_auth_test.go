package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newAuthRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AdminAuth(token))
	r.GET("/t", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestAdminAuth_ValidToken(t *testing.T) {
	router := newAuthRouter("secret-token")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAuth_RejectsBadToken(t *testing.T) {
	router := newAuthRouter("secret-token")

	for _, authz := range []string{
		"",
		"Bearer wrong-token",
		"Bearer ",
		"secret-token", // 缺 Bearer 前缀
		"Basic secret-token",
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/t", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code, "authz %q", authz)
	}
}

func TestAdminAuth_EmptyTokenDisablesAdminAPI(t *testing.T) {
	router := newAuthRouter("")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	req.Header.Set("Authorization", "Bearer anything")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}
