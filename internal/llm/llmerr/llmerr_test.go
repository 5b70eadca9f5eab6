package llmerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct {
	Status int
	msg    string
}

func (e *statusErr) Error() string { return e.msg }

type codeErr struct{ code int }

func (e codeErr) Error() string   { return "upstream failure" }
func (e codeErr) StatusCode() int { return e.code }

type AnthropicAPIError struct{ msg string }

func (e *AnthropicAPIError) Error() string { return e.msg }

func TestClassifyOrder(t *testing.T) {
	cases := []struct {
		name      string
		in        any
		code      Code
		retryable bool
		status    int
	}{
		{"429 status", &statusErr{Status: 429, msg: "slow down"}, CodeRateLimit, true, 429},
		{"rate limit phrase", errors.New("Rate limit reached for requests"), CodeRateLimit, true, 0},
		{"rate limit wins over 5xx phrasing", errors.New("HTTP 503: too many requests"), CodeRateLimit, true, 503},
		{"5xx", codeErr{code: 502}, CodeServerError, true, 502},
		{"status in message", errors.New("upstream http error: status=500 body={}"), CodeServerError, true, 500},
		{"401", &statusErr{Status: 401, msg: "nope"}, CodeAuthError, false, 401},
		{"auth phrase", errors.New("Incorrect API key provided"), CodeAuthError, false, 0},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeTimeout, true, 0},
		{"conn reset code", fmt.Errorf("read: %w", syscall.ECONNRESET), CodeTimeout, true, 0},
		{"refused code", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), CodeNetwork, true, 0},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example"}, CodeNetwork, true, 0},
		{"fetch failed", "TypeError: fetch failed", CodeNetwork, true, 0},
		{"content filter", errors.New("response blocked by content_filter"), CodeContentFilter, false, 0},
		{"context length", errors.New("This model's maximum context length is 8192 tokens"), CodeContextLength, false, 0},
		{"400 generic", &statusErr{Status: 400, msg: "bad request"}, CodeInternal, false, 400},
		{"nil", nil, CodeInternal, false, 0},
		{"int", 42, CodeInternal, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.in)
			require.NotNil(t, got)
			assert.Equal(t, tc.code, got.Code)
			assert.Equal(t, tc.retryable, got.Retryable)
			assert.Equal(t, tc.status, got.Status())
			assert.NotNil(t, got.Original)
		})
	}
}

func TestClassifyMapFieldsInOrder(t *testing.T) {
	got := Classify(map[string]any{"status": 403.0, "statusCode": 500, "message": "denied"})
	assert.Equal(t, CodeAuthError, got.Code)
	assert.Equal(t, 403, got.Status())

	got = Classify(map[string]any{"status_code": "504", "message": "gateway"})
	assert.Equal(t, CodeServerError, got.Code)
	assert.Equal(t, "gateway", got.Original.Error())
}

func TestClassifyGoOpenAIErrors(t *testing.T) {
	got := Classify(&openai.APIError{HTTPStatusCode: 429, Message: "Rate limit"})
	assert.Equal(t, CodeRateLimit, got.Code)
	assert.Equal(t, 429, got.Status())
	assert.Equal(t, "openai", got.Provider)

	got = Classify(&openai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")})
	assert.Equal(t, CodeServerError, got.Code)
}

func TestProviderInference(t *testing.T) {
	assert.Equal(t, "anthropic", Classify(&AnthropicAPIError{msg: "bad"}).Provider)
	assert.Equal(t, "deepseek", Classify(errors.New("DeepSeek returned garbage")).Provider)
	assert.Equal(t, "qwen", Classify(errors.New("dashscope: internal")).Provider)
	assert.Empty(t, Classify(errors.New("boom")).Provider)
}

func TestUserMessageNeverLeaksRawText(t *testing.T) {
	raw := "secret upstream detail sk-123 rate limit"
	got := ClassifyWith(errors.New(raw), Options{Model: "m1"})
	assert.NotContains(t, got.UserMessage, "sk-123")
	assert.Equal(t, Message(CodeRateLimit, "en"), got.UserMessage)
	assert.Equal(t, "m1", got.Model)
	assert.Contains(t, got.Error(), raw)
	assert.ErrorIs(t, got, got.Original)
}

func TestLocalizedMessages(t *testing.T) {
	zh := ClassifyWith(errors.New("request timed out"), Options{Lang: "zh-CN,zh;q=0.9,en;q=0.8"})
	assert.Equal(t, catalogs[supported[1]][CodeTimeout], zh.UserMessage)

	assert.Equal(t, Message(CodeTimeout, ""), Message(CodeTimeout, "fr-FR"))
	for _, c := range Codes {
		assert.NotEmpty(t, Message(c, "en"), c)
		assert.NotEmpty(t, Message(c, "zh"), c)
	}
}

func TestReclassifyKeepsCode(t *testing.T) {
	first := Classify(&statusErr{Status: 429, msg: "x"})
	again := ClassifyWith(first, Options{Lang: "zh"})
	assert.Equal(t, CodeRateLimit, again.Code)
	assert.NotEqual(t, first.UserMessage, again.UserMessage)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("connection refused")))
	assert.False(t, IsRetryable(errors.New("invalid api key")))
}
