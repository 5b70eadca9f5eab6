package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

const maxErrorBody = 1 << 20

// HTTPError is returned for any non-2xx provider response.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "upstream http error"
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream http error: status=%d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: upstream http error: status=%d body=%s", e.Provider, e.Status, e.Body)
}

func (e *HTTPError) StatusCode() int      { return e.Status }
func (e *HTTPError) ProviderName() string { return e.Provider }

var tracer = otel.Tracer("github.com/yungbote/graphpilot-backend/internal/llm")

// transport holds what both wire families share: endpoint, credentials,
// HTTP client, usage accounting and logging.
type transport struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature *float32
	timeout     time.Duration

	httpClient *http.Client
	tracker    *usage.Tracker
	log        *logger.Logger

	setHeaders func(req *http.Request, apiKey string)
}

func defaultHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

func (t *transport) modelFor(opts Options) string {
	if m := strings.TrimSpace(opts.Model); m != "" {
		return m
	}
	return t.model
}

func (t *transport) maxTokensFor(opts Options) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return t.maxTokens
}

func (t *transport) temperatureFor(opts Options) *float32 {
	if opts.Temperature != nil {
		return opts.Temperature
	}
	return t.temperature
}

// preflight enforces the tracker's per-call ceiling before any bytes go out.
func (t *transport) preflight(messages []Message, tools []ToolDefinition, opts Options) error {
	return t.tracker.CheckCallLimit(EstimateTokens(messages, tools) + t.maxTokensFor(opts))
}

// EstimateTokens is a rough pre-flight count (about four characters per token).
func EstimateTokens(messages []Message, tools []ToolDefinition) int {
	n := 0
	for _, m := range messages {
		n += utf8.RuneCountInString(m.Content) + 4
		for _, c := range m.ToolCalls {
			n += utf8.RuneCountInString(c.Name) + utf8.RuneCountInString(c.Arguments)
		}
	}
	for _, tool := range tools {
		n += utf8.RuneCountInString(tool.Name) + utf8.RuneCountInString(tool.Description)
		if raw, err := json.Marshal(tool.Parameters); err == nil {
			n += len(raw)
		}
	}
	return (n + 3) / 4
}

func (t *transport) record(model string, u usage.Usage, label string) {
	if u.IsZero() {
		return
	}
	e := t.tracker.Record(t.provider, model, u, label)
	t.log.Debug("llm usage recorded",
		"provider", t.provider,
		"model", model,
		"prompt_tokens", e.PromptTokens,
		"completion_tokens", e.CompletionTokens,
		"cached_tokens", e.CachedTokens,
		"cost_usd", e.Cost,
	)
}

func (t *transport) startSpan(ctx context.Context, name, model string, messages, tools int) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("llm.provider", t.provider),
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", messages),
		attribute.Int("llm.tools", tools),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *transport) newRequest(ctx context.Context, path string, body any, accept string) (*http.Request, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", t.provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if t.setHeaders != nil {
		t.setHeaders(req, t.apiKey)
	}
	return req, nil
}

func (t *transport) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{Provider: t.provider, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}

// doJSON performs one non-streaming call. No retries: the caller decides.
func (t *transport) doJSON(ctx context.Context, path string, body, out any) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	req, err := t.newRequest(ctx, path, body, "application/json")
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := t.checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", t.provider, err)
	}
	return nil
}

// openStream issues a streaming request and returns the open response. The
// caller owns resp.Body.
func (t *transport) openStream(ctx context.Context, path string, body any) (*http.Response, error) {
	req, err := t.newRequest(ctx, path, body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := t.checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
