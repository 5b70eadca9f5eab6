// Package llmerr turns whatever a provider call failed with into a
// ClassifiedError: a stable code, a retry signal and a message that is safe to
// show to end users.
package llmerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
)

type Code string

const (
	CodeRateLimit     Code = "rate_limit"
	CodeServerError   Code = "server_error"
	CodeAuthError     Code = "auth_error"
	CodeTimeout       Code = "timeout"
	CodeNetwork       Code = "network"
	CodeContentFilter Code = "content_filter"
	CodeContextLength Code = "context_length"
	CodeInternal      Code = "internal"
)

// Codes lists every code Classify can produce.
var Codes = []Code{
	CodeRateLimit, CodeServerError, CodeAuthError, CodeTimeout,
	CodeNetwork, CodeContentFilter, CodeContextLength, CodeInternal,
}

type ClassifiedError struct {
	UserMessage string `json:"userMessage"`
	Code        Code   `json:"code"`
	Retryable   bool   `json:"retryable"`
	StatusCode  *int   `json:"statusCode,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Original    error  `json:"-"`
}

func (e *ClassifiedError) Error() string {
	if e.Original == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Original)
}

func (e *ClassifiedError) Unwrap() error { return e.Original }

// Status returns the extracted HTTP status or 0.
func (e *ClassifiedError) Status() int {
	if e.StatusCode == nil {
		return 0
	}
	return *e.StatusCode
}

type Options struct {
	Model    string
	Provider string
	// Lang is a BCP 47 tag or an Accept-Language header value.
	Lang string
}

func Classify(v any) *ClassifiedError {
	return ClassifyWith(v, Options{})
}

// ClassifyWith never panics and always yields one of Codes.
func ClassifyWith(v any, opts Options) (out *ClassifiedError) {
	defer func() {
		if r := recover(); r != nil {
			out = build(CodeInternal, fmt.Errorf("classify: %v", r), nil, opts)
		}
	}()

	if ce, ok := v.(*ClassifiedError); ok && ce != nil {
		cp := *ce
		if cp.Model == "" {
			cp.Model = opts.Model
		}
		cp.UserMessage = Message(cp.Code, opts.Lang)
		return &cp
	}

	err, fields := asError(v)
	status := extractStatus(err, fields)
	msg := strings.ToLower(err.Error())

	if opts.Provider == "" {
		opts.Provider = inferProvider(err, msg)
	}
	return build(classify(err, status, msg), err, status, opts)
}

func build(code Code, err error, status *int, opts Options) *ClassifiedError {
	return &ClassifiedError{
		UserMessage: Message(code, opts.Lang),
		Code:        code,
		Retryable:   IsRetryableCode(code),
		StatusCode:  status,
		Provider:    opts.Provider,
		Model:       opts.Model,
		Original:    err,
	}
}

func IsRetryableCode(c Code) bool {
	switch c {
	case CodeRateLimit, CodeServerError, CodeTimeout, CodeNetwork:
		return true
	}
	return false
}

// IsRetryable classifies err and reports the retry signal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

func asError(v any) (error, map[string]any) {
	switch t := v.(type) {
	case nil:
		return errors.New("unknown error"), nil
	case error:
		return t, nil
	case map[string]any:
		if m, ok := t["message"].(string); ok && m != "" {
			return errors.New(m), t
		}
		if m, ok := t["error"].(string); ok && m != "" {
			return errors.New(m), t
		}
		return errors.New(fmt.Sprint(t)), t
	case string:
		return errors.New(t), nil
	default:
		return errors.New(fmt.Sprint(v)), nil
	}
}

var (
	rxRateLimit = regexp.MustCompile(`rate[ _-]?limit|too many requests|quota|throttl`)
	rxAuth      = regexp.MustCompile(`unauthori[sz]ed|authenticat|invalid[ _-]?api[ _-]?key|incorrect api key|api key not valid|permission denied|forbidden|invalid x-api-key`)
	rxTimeout   = regexp.MustCompile(`timeout|timed out|deadline exceeded|etimedout|econnreset|connection reset|esockettimedout`)
	rxNetwork   = regexp.MustCompile(`econnrefused|connection refused|enotfound|no such host|eai_again|fetch failed|network|socket hang up|broken pipe|unexpected eof|dial tcp`)
	rxContent   = regexp.MustCompile(`content[ _-]?filter|content[ _-]?policy|content management|moderation|safety system|inappropriate|data_inspection_failed`)
	rxContext   = regexp.MustCompile(`context[ _-]?length|context window|maximum context|maximum tokens|max_tokens|too many tokens|token limit|prompt is too long`)
	rxStatus    = regexp.MustCompile(`(?i)\b(?:http|status)[ :=]*([1-5]\d\d)\b`)
)

func classify(err error, status *int, msg string) Code {
	code := 0
	if status != nil {
		code = *status
	}
	switch {
	case code == 429 || rxRateLimit.MatchString(msg):
		return CodeRateLimit
	case code >= 500 && code <= 599:
		return CodeServerError
	case code == 401 || code == 403 || rxAuth.MatchString(msg):
		return CodeAuthError
	case isTimeout(err) || rxTimeout.MatchString(msg):
		return CodeTimeout
	case isNetwork(err) || rxNetwork.MatchString(msg):
		return CodeNetwork
	case rxContent.MatchString(msg):
		return CodeContentFilter
	case rxContext.MatchString(msg):
		return CodeContextLength
	default:
		return CodeInternal
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetwork(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op)
}

type statusGetter interface{ Status() int }
type statusCodeGetter interface{ StatusCode() int }

// extractStatus looks for a numeric "status" first, then "statusCode" /
// "status_code", then an "HTTP ddd" / "status ddd" fragment in the message.
func extractStatus(err error, fields map[string]any) *int {
	if fields != nil {
		for _, k := range []string{"status", "statusCode", "status_code"} {
			if n, ok := asInt(fields[k]); ok {
				return &n
			}
		}
	}

	var sg statusGetter
	if errors.As(err, &sg) {
		if n := sg.Status(); n > 0 {
			return &n
		}
	}
	if n, ok := structField(err, "Status"); ok {
		return &n
	}

	var scg statusCodeGetter
	if errors.As(err, &scg) {
		if n := scg.StatusCode(); n > 0 {
			return &n
		}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		n := apiErr.HTTPStatusCode
		return &n
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		n := reqErr.HTTPStatusCode
		return &n
	}
	for _, name := range []string{"StatusCode", "HTTPStatusCode"} {
		if n, ok := structField(err, name); ok {
			return &n
		}
	}

	if m := rxStatus.FindStringSubmatch(err.Error()); len(m) == 2 {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &n
		}
	}
	return nil
}

// structField reads a numeric exported field from the first error in the
// chain that has one.
func structField(err error, name string) (int, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		rv := reflect.ValueOf(e)
		for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
			if rv.IsNil() {
				break
			}
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct {
			continue
		}
		f := rv.FieldByName(name)
		if !f.IsValid() || !f.CanInterface() {
			continue
		}
		if n, ok := asInt(f.Interface()); ok {
			return n, true
		}
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, n > 0
	case int32:
		return int(n), n > 0
	case int64:
		return int(n), n > 0
	case float64:
		return int(n), n > 0 && n == float64(int(n))
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil && i > 0
	}
	return 0, false
}

var vendors = []struct{ needle, name string }{
	{"anthropic", "anthropic"},
	{"claude", "anthropic"},
	{"deepseek", "deepseek"},
	{"dashscope", "qwen"},
	{"qwen", "qwen"},
	{"openai", "openai"},
}

type providerNamer interface{ ProviderName() string }

func inferProvider(err error, msg string) string {
	var pn providerNamer
	if errors.As(err, &pn) && pn.ProviderName() != "" {
		return pn.ProviderName()
	}
	typeName := strings.ToLower(fmt.Sprintf("%T", err))
	for _, v := range vendors {
		if strings.Contains(typeName, v.needle) {
			return v.name
		}
	}
	for _, v := range vendors {
		if strings.Contains(msg, v.needle) {
			return v.name
		}
	}
	return ""
}
