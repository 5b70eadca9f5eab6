package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// Anthropic speaks the /v1/messages protocol.
type Anthropic struct {
	transport
}

var _ Provider = (*Anthropic)(nil)

func newAnthropic(t transport) *Anthropic {
	t.setHeaders = func(req *http.Request, apiKey string) {
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	}
	if t.maxTokens <= 0 {
		t.maxTokens = anthropicMaxTokens
	}
	return &Anthropic{transport: t}
}

func (p *Anthropic) Model() string        { return p.model }
func (p *Anthropic) ProviderName() string { return p.provider }

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// unified folds cache reads back into the prompt count, since input_tokens
// excludes them.
func (u anthropicUsage) unified() usage.Usage {
	prompt := u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
	cached := u.CacheReadInputTokens
	return usage.Usage{
		PromptTokens:         prompt,
		CompletionTokens:     u.OutputTokens,
		TotalTokens:          prompt + u.OutputTokens,
		PromptCacheHitTokens: &cached,
		CacheWriteTokens:     u.CacheCreationInputTokens,
	}
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

func (p *Anthropic) ChatCompletion(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	return p.ChatCompletionWithTools(ctx, messages, nil, opts)
}

func (p *Anthropic) ChatCompletionWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (resp *Response, err error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%s: no messages", p.provider)
	}
	if err := p.preflight(messages, tools, opts); err != nil {
		return nil, err
	}
	model := p.modelFor(opts)
	ctx, span := p.startSpan(ctx, "llm.chat_completion", model, len(messages), len(tools))
	defer func() { endSpan(span, err) }()

	var out anthropicResponse
	if err := p.doJSON(ctx, "/v1/messages", p.buildRequest(model, messages, tools, opts, false), &out); err != nil {
		return nil, err
	}

	resp = &Response{
		FinishReason: out.StopReason,
		Model:        firstNonEmpty(out.Model, model),
		Usage:        out.Usage.unified(),
	}
	var text strings.Builder
	for _, b := range out.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := string(b.Input)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	resp.Content = text.String()
	p.record(model, resp.Usage, opts.Label)
	return resp, nil
}

func (p *Anthropic) buildRequest(model string, messages []Message, tools []ToolDefinition, opts Options, stream bool) anthropicRequest {
	system, converted := toAnthropic(messages, p.log)
	req := anthropicRequest{
		Model:       model,
		MaxTokens:   p.maxTokensFor(opts),
		System:      system,
		Messages:    converted,
		Temperature: p.temperatureFor(opts),
		Stream:      stream,
	}
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return req
}

// anthropicStreamEvent covers every event type the Messages stream sends;
// unused fields stay zero.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *anthropicBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *Anthropic) StreamCompletionWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Stream, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%s: no messages", p.provider)
	}
	if err := p.preflight(messages, tools, opts); err != nil {
		return nil, err
	}
	model := p.modelFor(opts)
	ctx, span := p.startSpan(ctx, "llm.stream_completion", model, len(messages), len(tools))

	httpResp, err := p.openStream(ctx, "/v1/messages", p.buildRequest(model, messages, tools, opts, true))
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	return newStream(ctx, httpResp.Body, func(emit emitFunc) (err error) {
		defer func() { endSpan(span, err) }()
		st := &anthropicStreamState{blocks: map[int]*toolBlock{}}
		err = readSSE(httpResp.Body, func(_ string, data string) error {
			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				p.log.Warn("skipping undecodable stream event", "provider", p.provider, "event", truncateRunes(data, 200))
				return nil
			}
			return st.handle(ev, emit, func(u usage.Usage) { p.record(model, u, opts.Label) })
		})
		return err
	}), nil
}
