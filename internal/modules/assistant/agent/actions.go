package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
)

type ActionType string

const (
	ActionCreateNode ActionType = "create_node"
	ActionUpdateNode ActionType = "update_node"
	ActionDeleteNode ActionType = "delete_node"
	ActionMoveNode   ActionType = "move_node"
	ActionCreateEdge ActionType = "create_edge"
	ActionDeleteEdge ActionType = "delete_edge"
	ActionBatch      ActionType = "batch"
)

// ProposedAction is a graph mutation waiting for the user's decision. Only
// the payload matching Type is set.
type ProposedAction struct {
	Type ActionType `json:"type"`

	Node    *workflow.Node   `json:"node,omitempty"`
	Update  *NodeUpdate      `json:"update,omitempty"`
	Target  *NodeRef         `json:"target,omitempty"`
	Move    *NodeMove        `json:"move,omitempty"`
	Edge    *workflow.Edge   `json:"edge,omitempty"`
	Actions []ProposedAction `json:"actions,omitempty"`

	// Reason is the model's own explanation, shown next to the approval prompt.
	Reason string `json:"reason,omitempty"`
}

type NodeRef struct {
	NodeKey string `json:"nodeKey"`
}

type NodeUpdate struct {
	NodeKey string         `json:"nodeKey"`
	Process *string        `json:"process,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type NodeMove struct {
	NodeKey  string             `json:"nodeKey"`
	Sheet    *string            `json:"sheet,omitempty"`
	Position *workflow.Position `json:"position,omitempty"`
}

var ErrInvalidAction = errors.New("invalid action")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAction, fmt.Sprintf(format, args...))
}

// Validate checks that the payload for Type is present and complete.
func (a ProposedAction) Validate() error {
	switch a.Type {
	case ActionCreateNode:
		if a.Node == nil || strings.TrimSpace(a.Node.Key) == "" || strings.TrimSpace(a.Node.Type) == "" {
			return invalid("create_node needs node.key and node.type")
		}
	case ActionUpdateNode:
		if a.Update == nil || a.Update.NodeKey == "" {
			return invalid("update_node needs nodeKey")
		}
		if a.Update.Process == nil && len(a.Update.Data) == 0 {
			return invalid("update_node changes nothing")
		}
	case ActionDeleteNode:
		if a.Target == nil || a.Target.NodeKey == "" {
			return invalid("delete_node needs nodeKey")
		}
	case ActionMoveNode:
		if a.Move == nil || a.Move.NodeKey == "" {
			return invalid("move_node needs nodeKey")
		}
		if a.Move.Sheet == nil && a.Move.Position == nil {
			return invalid("move_node needs a sheet or a position")
		}
	case ActionCreateEdge, ActionDeleteEdge:
		if a.Edge == nil || a.Edge.Source == "" || a.Edge.Target == "" {
			return invalid("%s needs source and target", a.Type)
		}
	case ActionBatch:
		if len(a.Actions) == 0 {
			return invalid("batch is empty")
		}
		for i, sub := range a.Actions {
			if sub.Type == ActionBatch {
				return invalid("batch item %d is itself a batch", i)
			}
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
		}
	default:
		return invalid("unknown action type %q", a.Type)
	}
	return nil
}

// Describe renders a one-line summary for approval prompts and logs.
func (a ProposedAction) Describe() string {
	switch a.Type {
	case ActionCreateNode:
		if a.Node != nil {
			return fmt.Sprintf("create node %s (%s)", a.Node.Key, a.Node.Type)
		}
	case ActionUpdateNode:
		if a.Update != nil {
			return "update node " + a.Update.NodeKey
		}
	case ActionDeleteNode:
		if a.Target != nil {
			return "delete node " + a.Target.NodeKey
		}
	case ActionMoveNode:
		if a.Move != nil {
			return "move node " + a.Move.NodeKey
		}
	case ActionCreateEdge, ActionDeleteEdge:
		if a.Edge != nil {
			verb := "connect"
			if a.Type == ActionDeleteEdge {
				verb = "disconnect"
			}
			return fmt.Sprintf("%s %s -> %s", verb, a.Edge.Source, a.Edge.Target)
		}
	case ActionBatch:
		parts := make([]string, 0, len(a.Actions))
		for _, sub := range a.Actions {
			parts = append(parts, sub.Describe())
		}
		return fmt.Sprintf("%d changes: %s", len(a.Actions), strings.Join(parts, "; "))
	}
	return string(a.Type)
}
