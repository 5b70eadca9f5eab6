package llm

import (
	"fmt"
	"strings"

	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
)

type toolBlock struct {
	call ToolCall
	args strings.Builder
}

// anthropicStreamState accumulates input_json_delta fragments per content
// block index and releases a tool call only on content_block_stop.
type anthropicStreamState struct {
	blocks map[int]*toolBlock
	usage  anthropicUsage
	reason string
}

func (s *anthropicStreamState) handle(ev anthropicStreamEvent, emit emitFunc, record func(usage.Usage)) error {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			s.usage = ev.Message.Usage
		}

	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		switch ev.ContentBlock.Type {
		case "tool_use":
			tb := &toolBlock{call: ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}}
			s.blocks[ev.Index] = tb
			started := tb.call
			if !emit(StreamEvent{Type: EventToolCallStart, ToolCall: &started}) {
				return errStopStream
			}
		case "text":
			if ev.ContentBlock.Text != "" && !emit(StreamEvent{Type: EventToken, Text: ev.ContentBlock.Text}) {
				return errStopStream
			}
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" && !emit(StreamEvent{Type: EventToken, Text: ev.Delta.Text}) {
				return errStopStream
			}
		case "input_json_delta":
			// Fragments for an index we never saw start are dropped.
			if tb, ok := s.blocks[ev.Index]; ok {
				tb.args.WriteString(ev.Delta.PartialJSON)
			}
		}

	case "content_block_stop":
		tb, ok := s.blocks[ev.Index]
		if !ok {
			return nil
		}
		delete(s.blocks, ev.Index)
		done := tb.call
		done.Arguments = tb.args.String()
		if strings.TrimSpace(done.Arguments) == "" {
			done.Arguments = "{}"
		}
		if !emit(StreamEvent{Type: EventToolCallDone, ToolCall: &done}) {
			return errStopStream
		}

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			s.reason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			s.usage.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				s.usage.InputTokens = ev.Usage.InputTokens
			}
		}

	case "message_stop":
		u := s.usage.unified()
		if record != nil {
			record(u)
		}
		if !emit(StreamEvent{Type: EventUsage, Usage: &u}) {
			return errStopStream
		}
		emit(StreamEvent{Type: EventDone, FinishReason: s.reason})
		return errStopStream

	case "error":
		if ev.Error != nil {
			return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}
		return fmt.Errorf("anthropic stream error")
	}
	return nil
}
