package llm

import (
	"encoding/json"
	"strings"

	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// anthropicMessage carries either plain text or a list of blocks. Blocks win
// when both are set.
type anthropicMessage struct {
	Role   string
	Text   string
	Blocks []anthropicBlock
}

func (m anthropicMessage) MarshalJSON() ([]byte, error) {
	if m.Blocks != nil {
		return json.Marshal(struct {
			Role    string           `json:"role"`
			Content []anthropicBlock `json:"content"`
		}{m.Role, m.Blocks})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Text})
}

func (m *anthropicMessage) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	if len(raw.Content) > 0 && raw.Content[0] == '[' {
		return json.Unmarshal(raw.Content, &m.Blocks)
	}
	return json.Unmarshal(raw.Content, &m.Text)
}

func (m anthropicMessage) asBlocks() []anthropicBlock {
	if m.Blocks != nil {
		return m.Blocks
	}
	if m.Text == "" {
		return []anthropicBlock{}
	}
	return []anthropicBlock{{Type: "text", Text: m.Text}}
}

var emptyObject = json.RawMessage(`{}`)

// toAnthropic converts a unified transcript into the Messages API envelope:
// system turns become the separate system field, tool results become
// tool_result blocks on user turns, and assistant tool calls become tool_use
// blocks. Adjacent same-role turns are collapsed afterwards.
func toAnthropic(messages []Message, log *logger.Logger) (string, []anthropicMessage) {
	var system []string
	out := make([]anthropicMessage, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}

		case RoleTool:
			block := anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			if n := len(out); n > 0 && out[n-1].Role == string(RoleUser) && out[n-1].Blocks != nil {
				out[n-1].Blocks = append(out[n-1].Blocks, block)
				continue
			}
			out = append(out, anthropicMessage{Role: string(RoleUser), Blocks: []anthropicBlock{block}})

		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, anthropicMessage{Role: string(RoleAssistant), Text: m.Content})
				continue
			}
			blocks := make([]anthropicBlock, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, c := range m.ToolCalls {
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    c.ID,
					Name:  c.Name,
					Input: toolInput(c, log),
				})
			}
			out = append(out, anthropicMessage{Role: string(RoleAssistant), Blocks: blocks})

		default:
			out = append(out, anthropicMessage{Role: string(RoleUser), Text: m.Content})
		}
	}
	return strings.Join(system, "\n\n"), collapseRoles(out)
}

// toolInput returns the call's arguments as a JSON object. Anything else is
// logged and replaced with {} so the turn can continue.
func toolInput(c ToolCall, log *logger.Logger) json.RawMessage {
	raw := strings.TrimSpace(c.Arguments)
	if raw == "" {
		return emptyObject
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		if log != nil {
			log.Warn("malformed tool call arguments, using empty object",
				"tool", c.Name,
				"tool_call_id", c.ID,
				"raw", truncateRunes(raw, 200),
			)
		}
		return emptyObject
	}
	return json.RawMessage(raw)
}

// collapseRoles merges consecutive messages with the same role, which the
// Messages API rejects.
func collapseRoles(in []anthropicMessage) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(in))
	for _, m := range in {
		n := len(out)
		if n == 0 || out[n-1].Role != m.Role {
			out = append(out, m)
			continue
		}
		prev := out[n-1]
		merged := append(append([]anthropicBlock{}, prev.asBlocks()...), m.asBlocks()...)
		out[n-1] = anthropicMessage{Role: m.Role, Blocks: merged}
	}
	return out
}
