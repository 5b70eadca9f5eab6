package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
)

// OpenAICompatible speaks the /chat/completions protocol shared by OpenAI,
// DeepSeek, DashScope and friends. Request and response bodies reuse the
// go-openai wire types.
type OpenAICompatible struct {
	transport
}

var _ Provider = (*OpenAICompatible)(nil)

func newOpenAICompatible(t transport) *OpenAICompatible {
	t.setHeaders = func(req *http.Request, apiKey string) {
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
	}
	return &OpenAICompatible{transport: t}
}

func (p *OpenAICompatible) Model() string        { return p.model }
func (p *OpenAICompatible) ProviderName() string { return p.provider }

// chatResponse shadows Usage so both cache-hit conventions decode.
type chatResponse struct {
	openai.ChatCompletionResponse
	Usage usage.Usage `json:"usage"`
}

type streamChunk struct {
	openai.ChatCompletionStreamResponse
	Usage *usage.Usage `json:"usage,omitempty"`
	Error any          `json:"error,omitempty"`
}

func (p *OpenAICompatible) ChatCompletion(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	return p.ChatCompletionWithTools(ctx, messages, nil, opts)
}

func (p *OpenAICompatible) ChatCompletionWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (resp *Response, err error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%s: no messages", p.provider)
	}
	if err := p.preflight(messages, tools, opts); err != nil {
		return nil, err
	}
	model := p.modelFor(opts)
	ctx, span := p.startSpan(ctx, "llm.chat_completion", model, len(messages), len(tools))
	defer func() { endSpan(span, err) }()

	req := p.buildRequest(model, messages, tools, opts, false)
	var out chatResponse
	if err := p.doJSON(ctx, "/chat/completions", req, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices in completion", p.provider)
	}

	choice := out.Choices[0]
	resp = &Response{
		Content:      choice.Message.Content,
		ToolCalls:    fromOpenAIToolCalls(choice.Message.ToolCalls),
		FinishReason: string(choice.FinishReason),
		Model:        firstNonEmpty(out.Model, model),
		Usage:        out.Usage,
	}
	p.record(model, out.Usage, opts.Label)
	return resp, nil
}

func (p *OpenAICompatible) StreamCompletionWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Stream, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%s: no messages", p.provider)
	}
	if err := p.preflight(messages, tools, opts); err != nil {
		return nil, err
	}
	model := p.modelFor(opts)
	ctx, span := p.startSpan(ctx, "llm.stream_completion", model, len(messages), len(tools))

	req := p.buildRequest(model, messages, tools, opts, true)
	httpResp, err := p.openStream(ctx, "/chat/completions", req)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	return newStream(ctx, httpResp.Body, func(emit emitFunc) (err error) {
		defer func() { endSpan(span, err) }()
		acc := newOpenAIToolAccumulator()
		var (
			final  *usage.Usage
			reason string
		)
		err = readSSE(httpResp.Body, func(_ string, data string) error {
			data = strings.TrimSpace(data)
			if data == "" {
				return nil
			}
			if data == "[DONE]" {
				return errStopStream
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				p.log.Warn("skipping undecodable stream chunk", "provider", p.provider, "chunk", truncateRunes(data, 200))
				return nil
			}
			if chunk.Error != nil {
				b, _ := json.Marshal(chunk.Error)
				return fmt.Errorf("%s: upstream stream error: %s", p.provider, string(b))
			}
			if chunk.Usage != nil {
				final = chunk.Usage
			}
			for _, c := range chunk.Choices {
				if c.Delta.Content != "" && !emit(StreamEvent{Type: EventToken, Text: c.Delta.Content}) {
					return errStopStream
				}
				for _, tc := range c.Delta.ToolCalls {
					if started := acc.add(tc); started != nil && !emit(StreamEvent{Type: EventToolCallStart, ToolCall: started}) {
						return errStopStream
					}
				}
				if c.FinishReason != "" {
					reason = string(c.FinishReason)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, call := range acc.flush() {
			call := call
			if !emit(StreamEvent{Type: EventToolCallDone, ToolCall: &call}) {
				return nil
			}
		}
		if final != nil {
			p.record(model, *final, opts.Label)
			if !emit(StreamEvent{Type: EventUsage, Usage: final}) {
				return nil
			}
		}
		emit(StreamEvent{Type: EventDone, FinishReason: reason})
		return nil
	}), nil
}

func (p *OpenAICompatible) buildRequest(model string, messages []Message, tools []ToolDefinition, opts Options, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  toOpenAIMessages(messages),
		MaxTokens: p.maxTokensFor(opts),
		Stream:    stream,
	}
	if temp := p.temperatureFor(opts); temp != nil {
		req.Temperature = *temp
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
		req.ToolChoice = "auto"
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == RoleTool && m.Name != "" {
			msg.Name = m.Name
		}
		for _, c := range m.ToolCalls {
			args := c.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:       c.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: c.Name, Arguments: args},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return out
}

// openAIToolAccumulator stitches streamed tool-call deltas back together.
// The first delta for an index carries id and name; later ones only append
// argument text.
type openAIToolAccumulator struct {
	calls map[int]*pendingCall
	next  int
}

type pendingCall struct {
	call    ToolCall
	args    strings.Builder
	started bool
}

func newOpenAIToolAccumulator() *openAIToolAccumulator {
	return &openAIToolAccumulator{calls: map[int]*pendingCall{}}
}

// add returns the call once it has both id and name, the first time.
func (a *openAIToolAccumulator) add(tc openai.ToolCall) *ToolCall {
	idx := a.next
	if tc.Index != nil {
		idx = *tc.Index
	} else if tc.ID == "" {
		idx = a.next - 1
	}
	pc, ok := a.calls[idx]
	if !ok {
		pc = &pendingCall{}
		a.calls[idx] = pc
		if idx >= a.next {
			a.next = idx + 1
		}
	}
	if tc.ID != "" {
		pc.call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		pc.call.Name = tc.Function.Name
	}
	pc.args.WriteString(tc.Function.Arguments)
	if !pc.started && pc.call.ID != "" && pc.call.Name != "" {
		pc.started = true
		started := pc.call
		return &started
	}
	return nil
}

// flush returns completed calls in index order. Fragments that never got a
// name are dropped.
func (a *openAIToolAccumulator) flush() []ToolCall {
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		pc := a.calls[i]
		if pc.call.Name == "" {
			continue
		}
		c := pc.call
		c.Arguments = pc.args.String()
		out = append(out, c)
	}
	a.calls = map[int]*pendingCall{}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
