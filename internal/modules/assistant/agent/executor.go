package agent

import (
	"context"
	"fmt"

	"github.com/yungbote/graphpilot-backend/internal/data/graph"
)

// ActionExecutor applies an approved action. The returned value is fed back
// to the model as the tool result.
type ActionExecutor interface {
	Apply(ctx context.Context, graphKey string, action ProposedAction) (any, error)
}

type GraphActionExecutor struct {
	source graph.MutableDataSource
}

func NewGraphActionExecutor(source graph.MutableDataSource) *GraphActionExecutor {
	return &GraphActionExecutor{source: source}
}

// Apply runs batch items in order and stops at the first failure; items
// already applied stay applied.
func (e *GraphActionExecutor) Apply(ctx context.Context, graphKey string, action ProposedAction) (any, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}
	if action.Type != ActionBatch {
		return e.applyOne(ctx, graphKey, action)
	}
	results := make([]any, 0, len(action.Actions))
	for i, sub := range action.Actions {
		res, err := e.applyOne(ctx, graphKey, sub)
		if err != nil {
			return map[string]any{"applied": results}, fmt.Errorf("batch item %d (%s): %w", i, sub.Type, err)
		}
		results = append(results, res)
	}
	return map[string]any{"applied": results}, nil
}

func (e *GraphActionExecutor) applyOne(ctx context.Context, graphKey string, a ProposedAction) (any, error) {
	switch a.Type {
	case ActionCreateNode:
		return e.source.CreateNode(ctx, graphKey, *a.Node)
	case ActionUpdateNode:
		return e.source.UpdateNode(ctx, graphKey, a.Update.NodeKey, graph.NodePatch{
			Process: a.Update.Process,
			Data:    a.Update.Data,
		})
	case ActionMoveNode:
		return e.source.UpdateNode(ctx, graphKey, a.Move.NodeKey, graph.NodePatch{
			Sheet:    a.Move.Sheet,
			Position: a.Move.Position,
		})
	case ActionDeleteNode:
		if err := e.source.DeleteNode(ctx, graphKey, a.Target.NodeKey); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": a.Target.NodeKey}, nil
	case ActionCreateEdge:
		return e.source.CreateEdge(ctx, graphKey, *a.Edge)
	case ActionDeleteEdge:
		if err := e.source.DeleteEdge(ctx, graphKey, *a.Edge); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": a.Edge.ID()}, nil
	default:
		return nil, invalid("cannot apply %q", a.Type)
	}
}
