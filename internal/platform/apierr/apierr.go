package apierr

import (
	"fmt"
	"net/http"
)

type Error struct {
	Status int
	Code   string
	// Message is shown to clients. Empty means Err's text.
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

// PublicMessage is the text safe to put in a response body.
func (e *Error) PublicMessage() string {
	switch {
	case e == nil:
		return ""
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	case e.Status != 0:
		return http.StatusText(e.Status)
	default:
		return "unknown error"
	}
}

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Public builds an error whose cause stays server side.
func Public(status int, code, message string, retryable bool, err error) *Error {
	return &Error{Status: status, Code: code, Message: message, Retryable: retryable, Err: err}
}
