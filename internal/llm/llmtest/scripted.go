// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/yungbote/graphpilot-backend/internal/llm"
)

// Provider replays canned responses in order and records every request it
// receives. Streaming splits Content into word tokens.
type Provider struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
	requests  [][]llm.Message
	tools     [][]llm.ToolDefinition
}

func New(responses ...*llm.Response) *Provider {
	return &Provider{responses: responses}
}

func (p *Provider) Push(responses ...*llm.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responses...)
}

// FailWith makes every later call return err. nil restores scripted replies.
func (p *Provider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *Provider) next(msgs []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, append([]llm.Message(nil), msgs...))
	p.tools = append(p.tools, tools)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("scripted provider: no response left")
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	return r, nil
}

func (p *Provider) ChatCompletion(_ context.Context, msgs []llm.Message, _ llm.Options) (*llm.Response, error) {
	return p.next(msgs, nil)
}

func (p *Provider) ChatCompletionWithTools(_ context.Context, msgs []llm.Message, tools []llm.ToolDefinition, _ llm.Options) (*llm.Response, error) {
	return p.next(msgs, tools)
}

func (p *Provider) StreamCompletionWithTools(ctx context.Context, msgs []llm.Message, tools []llm.ToolDefinition, _ llm.Options) (*llm.Stream, error) {
	r, err := p.next(msgs, tools)
	if err != nil {
		return nil, err
	}
	var events []llm.StreamEvent
	for _, word := range strings.SplitAfter(r.Content, " ") {
		if word != "" {
			events = append(events, llm.StreamEvent{Type: llm.EventToken, Text: word})
		}
	}
	for _, tc := range r.ToolCalls {
		events = append(events,
			llm.StreamEvent{Type: llm.EventToolCallStart, ToolCall: &llm.ToolCall{ID: tc.ID, Name: tc.Name}},
			llm.StreamEvent{Type: llm.EventToolCallDone, ToolCall: &tc},
		)
	}
	events = append(events, llm.StreamEvent{Type: llm.EventDone, FinishReason: "stop"})
	return llm.StaticStream(ctx, events, nil), nil
}

func (p *Provider) Model() string        { return "scripted-model" }
func (p *Provider) ProviderName() string { return "scripted" }

func (p *Provider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *Provider) Request(i int) []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *Provider) LastRequest() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func (p *Provider) Tools(i int) []llm.ToolDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tools[i]
}

func Text(s string) *llm.Response {
	return &llm.Response{Content: s, FinishReason: "stop"}
}

func Calls(tcs ...llm.ToolCall) *llm.Response {
	return &llm.Response{ToolCalls: tcs, FinishReason: "tool_calls"}
}

func Call(id, name string, args map[string]any) llm.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: id, Name: name, Arguments: string(raw)}
}
