package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/graphpilot-backend/internal/http/response"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/agent"
	"github.com/yungbote/graphpilot-backend/internal/platform/ctxutil"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
	"github.com/yungbote/graphpilot-backend/internal/services"
)

const (
	sseEventDone  = "done"
	sseEventError = "error"

	defaultHeartbeat = 15 * time.Second
)

type AssistantHandler struct {
	log       *logger.Logger
	svc       services.AssistantService
	heartbeat time.Duration
}

func NewAssistantHandler(log *logger.Logger, svc services.AssistantService) *AssistantHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AssistantHandler{
		log:       log.With("handler", "AssistantHandler"),
		svc:       svc,
		heartbeat: defaultHeartbeat,
	}
}

// WithHeartbeat sets the SSE keepalive interval.
func (h *AssistantHandler) WithHeartbeat(d time.Duration) *AssistantHandler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// POST /api/ai/chat
func (h *AssistantHandler) Chat(c *gin.Context) {
	var req services.ChatRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	res, err := h.svc.Chat(ctx, ctxutil.GetRequestData(ctx), req)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, res)
}

// POST /api/ai/resume
func (h *AssistantHandler) Resume(c *gin.Context) {
	var req services.ResumeRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	res, err := h.svc.Resume(ctx, ctxutil.GetRequestData(ctx), req)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, res)
}

// POST /api/ai/chat/stream
func (h *AssistantHandler) ChatStream(c *gin.Context) {
	var req services.ChatRequest
	if !bindJSON(c, &req) {
		return
	}
	h.stream(c, func(ctx context.Context, rd *ctxutil.RequestData, onEvent agent.EventFunc) (*services.TurnResponse, error) {
		return h.svc.ChatStream(ctx, rd, req, onEvent)
	})
}

// POST /api/ai/resume/stream
func (h *AssistantHandler) ResumeStream(c *gin.Context) {
	var req services.ResumeRequest
	if !bindJSON(c, &req) {
		return
	}
	h.stream(c, func(ctx context.Context, rd *ctxutil.RequestData, onEvent agent.EventFunc) (*services.TurnResponse, error) {
		return h.svc.ResumeStream(ctx, rd, req, onEvent)
	})
}

// GET /api/ai/threads?graphKey=
func (h *AssistantHandler) ListThreads(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := h.svc.ListThreads(ctx, ctxutil.GetRequestData(ctx), c.Query("graphKey"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"threads": list})
}

// DELETE /api/ai/threads/:id
func (h *AssistantHandler) DeleteThread(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.svc.DeleteThread(ctx, ctxutil.GetRequestData(ctx), c.Param("id")); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/ai/usage
func (h *AssistantHandler) Usage(c *gin.Context) {
	response.RespondOK(c, h.svc.Usage())
}

type turnFunc func(ctx context.Context, rd *ctxutil.RequestData, onEvent agent.EventFunc) (*services.TurnResponse, error)

type turnResult struct {
	res *services.TurnResponse
	err error
}

// stream runs one turn and relays its events as SSE. The turn runs on its
// own goroutine so heartbeats keep flowing during slow provider calls.
func (h *AssistantHandler) stream(c *gin.Context, run turnFunc) {
	ctx := c.Request.Context()
	rd := ctxutil.GetRequestData(ctx)

	sse, ok := newSSEWriter(c.Writer)
	if !ok {
		response.RespondServiceError(c, fmt.Errorf("streaming unsupported"))
		return
	}

	events := make(chan agent.Event, 64)
	done := make(chan turnResult, 1)
	go func() {
		res, err := run(ctx, rd, func(ev agent.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		done <- turnResult{res: res, err: err}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			if err := sse.event(string(ev.Type), ev); err != nil {
				h.log.Debug("sse write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := sse.ping(); err != nil {
				return
			}
		case r := <-done:
			// events sent before the turn returned are still buffered
			for len(events) > 0 {
				ev := <-events
				if err := sse.event(string(ev.Type), ev); err != nil {
					return
				}
			}
			if r.err != nil {
				_ = c.Error(r.err)
				_ = sse.event(sseEventError, response.Envelope(response.FromError(r.err)).Error)
				return
			}
			_ = sse.event(sseEventDone, r.res)
			return
		case <-ctx.Done():
			h.log.Debug("stream client went away", "error", ctx.Err())
			return
		}
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		response.RespondServiceError(c, fmt.Errorf("%w: %v", services.ErrInvalidRequest, err))
		return false
	}
	return true
}
