package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphpilot-backend/internal/platform/ctxutil"
)

const testSecret = "test-secret"

func authRouter(cfg AuthConfig, seen **ctxutil.RequestData) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewAuthMiddleware(nil, cfg).RequireAuth())
	r.GET("/whoami", func(c *gin.Context) {
		*seen = ctxutil.GetRequestData(c.Request.Context())
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestRequireAuthAcceptsSignedToken(t *testing.T) {
	var rd *ctxutil.RequestData
	r := authRouter(AuthConfig{Secret: testSecret}, &rd)

	tok, err := SignToken(testSecret, Claims{
		Workspace: "acme",
		Role:      "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept-Language", "zh-CN")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, rd)
	assert.Equal(t, "alice", rd.UserID)
	assert.Equal(t, "acme", rd.Workspace)
	assert.Equal(t, "viewer", rd.Role)
	assert.Equal(t, "zh-CN", rd.Lang)
}

func TestRequireAuthRejectsBadTokens(t *testing.T) {
	var rd *ctxutil.RequestData
	r := authRouter(AuthConfig{Secret: testSecret}, &rd)

	expired, err := SignToken(testSecret, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	require.NoError(t, err)
	wrongKey, err := SignToken("other-secret", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
	require.NoError(t, err)
	noSubject, err := SignToken(testSecret, Claims{Workspace: "acme"})
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":    "",
		"garbage":    "Bearer not-a-jwt",
		"expired":    "Bearer " + expired,
		"wrong key":  "Bearer " + wrongKey,
		"no subject": "Bearer " + noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
		})
	}
	assert.Nil(t, rd)
}

func TestRequireAuthDisabledReadsHeaders(t *testing.T) {
	var rd *ctxutil.RequestData
	r := authRouter(AuthConfig{Disabled: true}, &rd)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(HeaderUserID, "dev")
	req.Header.Set(HeaderWorkspace, "local")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "dev", rd.UserID)
	assert.Equal(t, "local", rd.Workspace)
	assert.Empty(t, rd.Role)
}
