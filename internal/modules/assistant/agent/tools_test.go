package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphpilot-backend/internal/data/graph"
	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
)

func TestDefaultToolSetDefinitions(t *testing.T) {
	set := DefaultToolSet(testGraph())
	var names []string
	for _, d := range set.Definitions() {
		names = append(names, d.Name)
		assert.Equal(t, "object", d.Parameters["type"], d.Name)
	}
	assert.Equal(t, []string{
		"search_nodes", "get_node", "get_neighborhood", "list_node_types",
		"create_node", "update_node", "delete_node", "move_node",
		"create_edge", "delete_edge", "batch_actions",
	}, names)

	viewer := set.ForRole(RoleViewer)
	assert.Len(t, viewer.Definitions(), 4)
	assert.Same(t, set, set.ForRole(RoleOwner))
}

func TestReadTools(t *testing.T) {
	ctx := context.Background()
	set := DefaultToolSet(testGraph())

	get, _ := set.Get("get_node")
	out, err := get.Run(ctx, "g1", map[string]any{"nodeKey": "fetch-api"})
	require.NoError(t, err)
	assert.Equal(t, "GET /orders", out.(*workflow.Node).Process)

	_, err = get.Run(ctx, "g1", map[string]any{"nodeKey": "nope"})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	nb, _ := set.Get("get_neighborhood")
	out, err = nb.Run(ctx, "g1", map[string]any{"nodeKey": "start", "depth": float64(9), "direction": "sideways"})
	require.NoError(t, err)
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"key":"fetch-api"`)
}

func TestProposersBuildValidActions(t *testing.T) {
	set := DefaultToolSet(testGraph())

	create, _ := set.Get("create_node")
	a, err := create.Propose(map[string]any{"key": "n1", "type": "script", "x": float64(10), "y": float64(20), "reason": "needed"})
	require.NoError(t, err)
	assert.Equal(t, workflow.Position{X: 10, Y: 20}, a.Node.Position)
	assert.Equal(t, "needed", a.Reason)

	_, err = create.Propose(map[string]any{"key": "n1"})
	assert.ErrorIs(t, err, ErrInvalidAction)

	move, _ := set.Get("move_node")
	_, err = move.Propose(map[string]any{"nodeKey": "start"})
	assert.ErrorIs(t, err, ErrInvalidAction)
	a, err = move.Propose(map[string]any{"nodeKey": "start", "sheet": "s2"})
	require.NoError(t, err)
	assert.Equal(t, "s2", *a.Move.Sheet)

	batch, _ := set.Get("batch_actions")
	a, err = batch.Propose(map[string]any{"actions": []any{
		map[string]any{"action": "create_node", "key": "n2", "type": "script"},
		map[string]any{"action": "create_edge", "source": "fetch-api", "target": "n2"},
	}})
	require.NoError(t, err)
	require.Len(t, a.Actions, 2)
	assert.Equal(t, "2 changes: create node n2 (script); connect fetch-api -> n2", a.Describe())

	_, err = batch.Propose(map[string]any{"actions": []any{map[string]any{"action": "drop_table"}}})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestProposedActionJSONShape(t *testing.T) {
	a := ProposedAction{Type: ActionDeleteNode, Target: &NodeRef{NodeKey: "start"}}
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"delete_node","target":{"nodeKey":"start"}}`, string(raw))
}

func TestGraphActionExecutorBatchStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	src := testGraph()
	exec := NewGraphActionExecutor(src)

	_, err := exec.Apply(ctx, "g1", ProposedAction{Type: ActionBatch, Actions: []ProposedAction{
		{Type: ActionCreateNode, Node: &workflow.Node{Key: "n1", Type: "script"}},
		{Type: ActionCreateEdge, Edge: &workflow.Edge{Source: "n1", Target: "ghost"}},
		{Type: ActionCreateNode, Node: &workflow.Node{Key: "n2", Type: "script"}},
	}})
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	_, err = src.GetNodeByKey(ctx, "g1", "n1")
	assert.NoError(t, err, "items before the failure stay applied")
	_, err = src.GetNodeByKey(ctx, "g1", "n2")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestGraphActionExecutorSingleActions(t *testing.T) {
	ctx := context.Background()
	src := testGraph()
	exec := NewGraphActionExecutor(src)

	proc := "GET /v2/orders"
	_, err := exec.Apply(ctx, "g1", ProposedAction{Type: ActionUpdateNode, Update: &NodeUpdate{NodeKey: "fetch-api", Process: &proc}})
	require.NoError(t, err)

	sheet := "s2"
	_, err = exec.Apply(ctx, "g1", ProposedAction{Type: ActionMoveNode, Move: &NodeMove{NodeKey: "fetch-api", Sheet: &sheet}})
	require.NoError(t, err)

	n, err := src.GetNodeByKey(ctx, "g1", "fetch-api")
	require.NoError(t, err)
	assert.Equal(t, proc, n.Process)
	assert.Equal(t, "s2", n.Sheet)

	_, err = exec.Apply(ctx, "g1", ProposedAction{Type: ActionDeleteEdge, Edge: &workflow.Edge{Source: "start", Target: "fetch-api"}})
	require.NoError(t, err)
	edges, err := src.GetEdges(ctx, "g1", "")
	require.NoError(t, err)
	assert.Empty(t, edges)

	_, err = exec.Apply(ctx, "g1", ProposedAction{Type: "explode"})
	assert.ErrorIs(t, err, ErrInvalidAction)
}
