package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/graphpilot-backend/internal/llm/llmerr"
	"github.com/yungbote/graphpilot-backend/internal/platform/apierr"
	"github.com/yungbote/graphpilot-backend/internal/services"
)

// StatusClientClosed is the de facto status for requests the client
// abandoned.
const StatusClientClosed = 499

// FromError maps service and provider errors onto HTTP. Unknown errors
// become a generic 500 so internal details never reach the client.
func FromError(err error) *apierr.Error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	var ce *llmerr.ClassifiedError
	if errors.As(err, &ce) {
		return apierr.Public(classifiedStatus(ce.Code), string(ce.Code), ce.UserMessage, ce.Retryable, err)
	}
	switch {
	case errors.Is(err, services.ErrNotAuthenticated):
		return apierr.New(http.StatusUnauthorized, "unauthorized", err)
	case errors.Is(err, services.ErrInvalidRequest):
		return apierr.New(http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, services.ErrThreadNotFound):
		return apierr.Public(http.StatusNotFound, "thread_not_found", "thread not found", false, err)
	case errors.Is(err, services.ErrGraphNotFound):
		return apierr.Public(http.StatusNotFound, "graph_not_found", "graph not found", false, err)
	case errors.Is(err, services.ErrPendingAction):
		return apierr.Public(http.StatusConflict, "pending_action", "a proposed change is waiting for your approval", false, err)
	case errors.Is(err, services.ErrNoPendingAction):
		return apierr.Public(http.StatusConflict, "no_pending_action", "there is no proposed change to approve or reject", false, err)
	case errors.Is(err, services.ErrTurnInProgress):
		return apierr.Public(http.StatusConflict, "turn_in_progress", "another request for this thread is still running", true, err)
	case errors.Is(err, context.Canceled):
		return apierr.Public(StatusClientClosed, "canceled", "request canceled", true, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Public(http.StatusGatewayTimeout, string(llmerr.CodeTimeout), llmerr.Message(llmerr.CodeTimeout, ""), true, err)
	}
	return apierr.Public(http.StatusInternalServerError, string(llmerr.CodeInternal), llmerr.Message(llmerr.CodeInternal, ""), false, err)
}

func classifiedStatus(code llmerr.Code) int {
	switch code {
	case llmerr.CodeRateLimit:
		return http.StatusTooManyRequests
	case llmerr.CodeTimeout:
		return http.StatusGatewayTimeout
	case llmerr.CodeServerError, llmerr.CodeNetwork, llmerr.CodeAuthError:
		return http.StatusBadGateway
	case llmerr.CodeContentFilter:
		return http.StatusUnprocessableEntity
	case llmerr.CodeContextLength:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// RespondServiceError writes the error envelope for err.
func RespondServiceError(c *gin.Context, err error) {
	ae := FromError(err)
	_ = c.Error(err)
	c.JSON(ae.Status, Envelope(ae))
}

func Envelope(ae *apierr.Error) ErrorEnvelope {
	return ErrorEnvelope{Error: APIError{
		Message:   ae.PublicMessage(),
		Code:      ae.Code,
		Retryable: ae.Retryable,
	}}
}
