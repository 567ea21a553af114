package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/whoami", func(c *gin.Context) {
		subject, _ := utils.GetSubjectFromContext(c.Request.Context())
		c.String(http.StatusOK, subject+"/"+CtxValue(c.Request.Context()).Role)
	})
	return r
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	w := httptest.NewRecorder()
	newAuthRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	newAuthRouter().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareAcceptsBearerAndTokenHeader(t *testing.T) {
	token, err := utils.JwtGenerate("ops@example.org", "admin")
	require.NoError(t, err)

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
		func(r *http.Request) { r.Header.Set("token", token) },
	} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		set(req)
		w := httptest.NewRecorder()
		newAuthRouter().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ops@example.org/admin", w.Body.String())
	}
}
