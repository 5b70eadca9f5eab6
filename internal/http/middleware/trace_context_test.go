package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yungbote/graphpilot-backend/internal/platform/ctxutil"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

func TestAttachTraceContextIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var td *ctxutil.TraceData
	r := gin.New()
	r.Use(AttachTraceContext())
	r.GET("/x", func(c *gin.Context) {
		td = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "req-1")
	req.Header.Set(headerTraceID, "trace.abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.NotNil(t, td)
	assert.Equal(t, "req-1", td.RequestID)
	assert.Equal(t, "trace.abc", td.TraceID)
	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "bad id\n"+strings.Repeat("x", 10))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.NotContains(t, td.RequestID, " ")
	assert.NotEmpty(t, td.RequestID)
	assert.Equal(t, td.RequestID, td.TraceID, "falls back to the request id")
}

func TestRequestLoggerLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(AttachTraceContext(), RequestLogger(logger.FromZap(zap.New(core))))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, p := range []string{"/ok", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "/boom", entries[1].ContextMap()["route"])
	assert.NotEmpty(t, entries[1].ContextMap()["request_id"])
}
