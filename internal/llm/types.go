package llm

import (
	"encoding/json"
	"strings"

	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the vendor-neutral chat message. Tool results use RoleTool and
// carry the ToolCallID they answer.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a function invocation requested by the model. Arguments is the
// raw JSON text as produced by the model and may be malformed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParsedArguments decodes Arguments into an object. ok is false when the
// payload is not a JSON object; the returned map is then empty, never nil.
func (c ToolCall) ParsedArguments() (map[string]any, bool) {
	raw := strings.TrimSpace(c.Arguments)
	if raw == "" || raw == "null" {
		return map[string]any{}, true
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}, false
	}
	return out, true
}

// ToolDefinition describes a callable tool; Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Options struct {
	// Model overrides the provider's configured model for one call.
	Model       string
	MaxTokens   int
	Temperature *float32
	// Label tags the usage entry recorded for the call.
	Label string
}

type Response struct {
	Content      string      `json:"content"`
	ToolCalls    []ToolCall  `json:"toolCalls,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
	Model        string      `json:"model"`
	Usage        usage.Usage `json:"usage"`
}

// Message converts the response into the assistant turn to append to history.
func (r *Response) Message() Message {
	return Message{Role: RoleAssistant, Content: r.Content, ToolCalls: r.ToolCalls}
}

type StreamEventType string

const (
	EventToken         StreamEventType = "token"
	EventToolCallStart StreamEventType = "tool_call_start"
	EventToolCallDone  StreamEventType = "tool_call_done"
	EventUsage         StreamEventType = "usage"
	EventDone          StreamEventType = "done"
)

type StreamEvent struct {
	Type         StreamEventType
	Text         string
	ToolCall     *ToolCall
	Usage        *usage.Usage
	FinishReason string
}
