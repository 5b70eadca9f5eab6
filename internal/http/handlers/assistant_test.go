package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphpilot-backend/internal/llm/llmerr"
	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/agent"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/threads"
	"github.com/yungbote/graphpilot-backend/internal/platform/ctxutil"
	"github.com/yungbote/graphpilot-backend/internal/services"
)

type stubAssistant struct {
	services.AssistantService
	events []agent.Event
	delay  time.Duration
	res    *services.TurnResponse
	err    error
	seenRD *ctxutil.RequestData
}

func (s *stubAssistant) ChatStream(ctx context.Context, rd *ctxutil.RequestData, req services.ChatRequest, onEvent agent.EventFunc) (*services.TurnResponse, error) {
	s.seenRD = rd
	for _, ev := range s.events {
		onEvent(ev)
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.res, s.err
}

func (s *stubAssistant) ListThreads(ctx context.Context, rd *ctxutil.RequestData, graphKey string) ([]threads.Summary, error) {
	return []threads.Summary{}, s.err
}

func (s *stubAssistant) Usage() usage.Summary { return usage.Summary{Calls: 3} }

func serve(h *AssistantHandler, method, path, body string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		rd := &ctxutil.RequestData{UserID: "alice", Workspace: "ws"}
		c.Request = c.Request.WithContext(ctxutil.WithRequestData(c.Request.Context(), rd))
	})
	r.POST("/chat/stream", h.ChatStream)
	r.GET("/threads", h.ListThreads)
	r.GET("/usage", h.Usage)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestChatStreamRelaysEventsThenDone(t *testing.T) {
	svc := &stubAssistant{
		events: []agent.Event{
			{Type: agent.EventToken, Text: "hel"},
			{Type: agent.EventToken, Text: "lo"},
			{Type: agent.EventToolStart, ToolCall: &agent.ToolCallLog{ID: "c1", Name: "get_node_details"}},
		},
		res: &services.TurnResponse{ThreadID: "t1", Type: agent.ResultMessage, Message: "hello"},
	}
	rec := serve(NewAssistantHandler(nil, svc), http.MethodPost, "/chat/stream", `{"graphKey":"g1","message":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	body := rec.Body.String()
	first := strings.Index(body, `"text":"hel"`)
	second := strings.Index(body, `"text":"lo"`)
	done := strings.Index(body, "event: done\n")
	require.True(t, first >= 0 && second > first && done > second, body)
	assert.Contains(t, body, "event: tool_start\n")
	assert.Contains(t, body, `"threadId":"t1"`)
	assert.Equal(t, "alice", svc.seenRD.UserID)
}

func TestChatStreamReportsClassifiedError(t *testing.T) {
	svc := &stubAssistant{
		events: []agent.Event{{Type: agent.EventToken, Text: "par"}},
		err:    llmerr.Classify(errors.New("status 503 upstream overloaded at http://10.0.0.5")),
	}
	rec := serve(NewAssistantHandler(nil, svc), http.MethodPost, "/chat/stream", `{"graphKey":"g1","message":"hi"}`)

	body := rec.Body.String()
	assert.Contains(t, body, "event: token\n")
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, `"code":"server_error"`)
	assert.Contains(t, body, `"retryable":true`)
	assert.NotContains(t, body, "10.0.0.5")
	assert.NotContains(t, body, "event: done\n")
}

func TestChatStreamSendsHeartbeats(t *testing.T) {
	svc := &stubAssistant{
		delay: 60 * time.Millisecond,
		res:   &services.TurnResponse{ThreadID: "t1", Type: agent.ResultMessage},
	}
	h := NewAssistantHandler(nil, svc).WithHeartbeat(10 * time.Millisecond)
	rec := serve(h, http.MethodPost, "/chat/stream", `{"graphKey":"g1","message":"hi"}`)
	assert.Contains(t, rec.Body.String(), ": ping\n\n")
	assert.Contains(t, rec.Body.String(), "event: done\n")
}

func TestChatStreamRejectsMalformedBody(t *testing.T) {
	rec := serve(NewAssistantHandler(nil, &stubAssistant{}), http.MethodPost, "/chat/stream", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"invalid_request"`)
}

func TestListThreadsMapsErrors(t *testing.T) {
	rec := serve(NewAssistantHandler(nil, &stubAssistant{}), http.MethodGet, "/threads?graphKey=g1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"threads":[]}`, rec.Body.String())

	rec = serve(NewAssistantHandler(nil, &stubAssistant{err: services.ErrInvalidRequest}), http.MethodGet, "/threads", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageReturnsSummary(t *testing.T) {
	rec := serve(NewAssistantHandler(nil, &stubAssistant{}), http.MethodGet, "/usage", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"calls":3`)
}
