package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is the client-visible part of a failure. Provider details and
// internal causes never appear here.
type APIError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
