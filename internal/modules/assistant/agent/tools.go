package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/graphpilot-backend/internal/data/graph"
	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
	"github.com/yungbote/graphpilot-backend/internal/llm"
)

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleOwner  = "owner"
)

// ReadFunc executes a read-only tool. The result is serialized to JSON and
// fed back to the model.
type ReadFunc func(ctx context.Context, graphKey string, args map[string]any) (any, error)

// ProposeFunc turns a mutating tool call into an action for approval. It
// never touches the graph.
type ProposeFunc func(args map[string]any) (*ProposedAction, error)

type Tool struct {
	Definition llm.ToolDefinition
	Mutating   bool
	Run        ReadFunc
	Propose    ProposeFunc
}

type ToolSet struct {
	tools  []Tool
	byName map[string]int
}

func NewToolSet(tools ...Tool) *ToolSet {
	s := &ToolSet{byName: map[string]int{}}
	for _, t := range tools {
		s.Add(t)
	}
	return s
}

// Add registers t, replacing any tool with the same name.
func (s *ToolSet) Add(t Tool) {
	if i, ok := s.byName[t.Definition.Name]; ok {
		s.tools[i] = t
		return
	}
	s.byName[t.Definition.Name] = len(s.tools)
	s.tools = append(s.tools, t)
}

func (s *ToolSet) Get(name string) (Tool, bool) {
	if s == nil {
		return Tool{}, false
	}
	i, ok := s.byName[name]
	if !ok {
		return Tool{}, false
	}
	return s.tools[i], true
}

func (s *ToolSet) Definitions() []llm.ToolDefinition {
	if s == nil {
		return nil
	}
	out := make([]llm.ToolDefinition, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.Definition)
	}
	return out
}

// ForRole drops mutating tools for viewers.
func (s *ToolSet) ForRole(role string) *ToolSet {
	if s == nil || !IsReadOnlyRole(role) {
		return s
	}
	out := NewToolSet()
	for _, t := range s.tools {
		if !t.Mutating {
			out.Add(t)
		}
	}
	return out
}

func IsReadOnlyRole(role string) bool {
	return strings.EqualFold(strings.TrimSpace(role), RoleViewer)
}

func schema(props map[string]any, required ...string) map[string]any {
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func numProp(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func objProp(desc string) map[string]any {
	return map[string]any{"type": "object", "description": desc}
}

// DefaultToolSet wires the graph tools the assistant knows about to source.
func DefaultToolSet(source graph.DataSource) *ToolSet {
	return NewToolSet(
		Tool{
			Definition: llm.ToolDefinition{
				Name:        "search_nodes",
				Description: "Search the graph for nodes matching a text query. Returns node keys, types and sheets.",
				Parameters: schema(map[string]any{
					"query": strProp("Words to look for in node keys, types and configuration."),
					"limit": numProp("Maximum number of results (default 10)."),
				}, "query"),
			},
			Run: func(ctx context.Context, graphKey string, args map[string]any) (any, error) {
				query := argString(args, "query")
				if query == "" {
					return nil, fmt.Errorf("query is required")
				}
				nodes, err := source.SearchNodes(ctx, graphKey, query, argInt(args, "limit", 10), nil)
				if err != nil {
					return nil, err
				}
				return nodeBriefs(nodes), nil
			},
		},
		Tool{
			Definition: llm.ToolDefinition{
				Name:        "get_node",
				Description: "Get the full definition of one node, including handles and data.",
				Parameters:  schema(map[string]any{"nodeKey": strProp("Key of the node.")}, "nodeKey"),
			},
			Run: func(ctx context.Context, graphKey string, args map[string]any) (any, error) {
				key := argString(args, "nodeKey")
				if key == "" {
					return nil, fmt.Errorf("nodeKey is required")
				}
				return source.GetNodeByKey(ctx, graphKey, key)
			},
		},
		Tool{
			Definition: llm.ToolDefinition{
				Name:        "get_neighborhood",
				Description: "List the nodes and connections around a node.",
				Parameters: schema(map[string]any{
					"nodeKey":   strProp("Key of the center node."),
					"depth":     numProp("Number of hops to follow (default 1, max 3)."),
					"direction": map[string]any{"type": "string", "enum": []string{"both", "outgoing", "incoming"}},
				}, "nodeKey"),
			},
			Run: func(ctx context.Context, graphKey string, args map[string]any) (any, error) {
				key := argString(args, "nodeKey")
				if key == "" {
					return nil, fmt.Errorf("nodeKey is required")
				}
				depth := min(max(argInt(args, "depth", 1), 1), 3)
				dir := graph.Direction(argString(args, "direction"))
				switch dir {
				case graph.DirectionBoth, graph.DirectionOutgoing, graph.DirectionIncoming:
				default:
					dir = graph.DirectionBoth
				}
				nb, err := source.GetNeighborhood(ctx, graphKey, key, depth, dir)
				if err != nil {
					return nil, err
				}
				return map[string]any{"nodes": nodeBriefs(nb.Nodes), "edges": nb.Edges}, nil
			},
		},
		Tool{
			Definition: llm.ToolDefinition{
				Name:        "list_node_types",
				Description: "List the node types available in this graph.",
				Parameters:  schema(map[string]any{}),
			},
			Run: func(ctx context.Context, graphKey string, _ map[string]any) (any, error) {
				return source.GetNodeConfigs(ctx, graphKey)
			},
		},

		mutating("create_node", "Propose adding a node. The user must approve it.",
			schema(map[string]any{
				"key":     strProp("Unique key for the new node."),
				"type":    strProp("Node type key, see list_node_types."),
				"sheet":   strProp("Sheet id to place the node on."),
				"process": strProp("Process text of the node."),
				"data":    objProp("Node configuration values."),
				"x":       numProp("Canvas x position."),
				"y":       numProp("Canvas y position."),
				"reason":  strProp("Why this change is needed."),
			}, "key", "type"),
			proposeCreateNode),
		mutating("update_node", "Propose changing a node's process text or data. The user must approve it.",
			schema(map[string]any{
				"nodeKey": strProp("Key of the node to change."),
				"process": strProp("New process text."),
				"data":    objProp("Data fields to set."),
				"reason":  strProp("Why this change is needed."),
			}, "nodeKey"),
			proposeUpdateNode),
		mutating("delete_node", "Propose removing a node and its connections. The user must approve it.",
			schema(map[string]any{
				"nodeKey": strProp("Key of the node to remove."),
				"reason":  strProp("Why this change is needed."),
			}, "nodeKey"),
			proposeDeleteNode),
		mutating("move_node", "Propose moving a node to another sheet or position. The user must approve it.",
			schema(map[string]any{
				"nodeKey": strProp("Key of the node to move."),
				"sheet":   strProp("Target sheet id."),
				"x":       numProp("New canvas x position."),
				"y":       numProp("New canvas y position."),
				"reason":  strProp("Why this change is needed."),
			}, "nodeKey"),
			proposeMoveNode),
		mutating("create_edge", "Propose connecting an out handle to an in handle. The user must approve it.",
			schema(map[string]any{
				"source":       strProp("Source node key."),
				"sourceHandle": strProp("Out handle id on the source node."),
				"target":       strProp("Target node key."),
				"targetHandle": strProp("In handle id on the target node."),
				"label":        strProp("Optional label."),
				"reason":       strProp("Why this change is needed."),
			}, "source", "target"),
			proposeEdge(ActionCreateEdge)),
		mutating("delete_edge", "Propose removing a connection. The user must approve it.",
			schema(map[string]any{
				"source":       strProp("Source node key."),
				"sourceHandle": strProp("Out handle id on the source node."),
				"target":       strProp("Target node key."),
				"targetHandle": strProp("In handle id on the target node."),
				"reason":       strProp("Why this change is needed."),
			}, "source", "target"),
			proposeEdge(ActionDeleteEdge)),
		mutating("batch_actions", "Propose several changes that are approved together and applied in order.",
			schema(map[string]any{
				"actions": map[string]any{
					"type":        "array",
					"description": "Each item has an \"action\" field naming a mutating tool (create_node, update_node, delete_node, move_node, create_edge, delete_edge) plus that tool's arguments.",
					"items":       map[string]any{"type": "object"},
				},
				"reason": strProp("Why these changes are needed."),
			}, "actions"),
			proposeBatch),
	)
}

func mutating(name, desc string, params map[string]any, propose ProposeFunc) Tool {
	return Tool{
		Definition: llm.ToolDefinition{Name: name, Description: desc, Parameters: params},
		Mutating:   true,
		Propose: func(args map[string]any) (*ProposedAction, error) {
			a, err := propose(args)
			if err != nil {
				return nil, err
			}
			if err := a.Validate(); err != nil {
				return nil, err
			}
			return a, nil
		},
	}
}

type nodeBrief struct {
	Key     string `json:"key"`
	Type    string `json:"type"`
	Sheet   string `json:"sheet"`
	Process string `json:"process,omitempty"`
}

func nodeBriefs(nodes []workflow.Node) []nodeBrief {
	out := make([]nodeBrief, 0, len(nodes))
	for _, n := range nodes {
		p := []rune(n.Process)
		if len(p) > 120 {
			p = append(p[:120], '…')
		}
		out = append(out, nodeBrief{Key: n.Key, Type: n.Type, Sheet: n.Sheet, Process: string(p)})
	}
	return out
}

func position(args map[string]any) *workflow.Position {
	x, hasX := argFloat(args, "x")
	y, hasY := argFloat(args, "y")
	if !hasX && !hasY {
		return nil
	}
	return &workflow.Position{X: x, Y: y}
}

func proposeCreateNode(args map[string]any) (*ProposedAction, error) {
	n := &workflow.Node{
		Key:     argString(args, "key"),
		Type:    argString(args, "type"),
		Sheet:   argString(args, "sheet"),
		Process: argString(args, "process"),
		Data:    argMap(args, "data"),
	}
	if p := position(args); p != nil {
		n.Position = *p
	}
	return &ProposedAction{Type: ActionCreateNode, Node: n, Reason: argString(args, "reason")}, nil
}

func proposeUpdateNode(args map[string]any) (*ProposedAction, error) {
	u := &NodeUpdate{NodeKey: argString(args, "nodeKey"), Data: argMap(args, "data")}
	if _, ok := args["process"]; ok {
		p := argString(args, "process")
		u.Process = &p
	}
	return &ProposedAction{Type: ActionUpdateNode, Update: u, Reason: argString(args, "reason")}, nil
}

func proposeDeleteNode(args map[string]any) (*ProposedAction, error) {
	return &ProposedAction{
		Type:   ActionDeleteNode,
		Target: &NodeRef{NodeKey: argString(args, "nodeKey")},
		Reason: argString(args, "reason"),
	}, nil
}

func proposeMoveNode(args map[string]any) (*ProposedAction, error) {
	m := &NodeMove{NodeKey: argString(args, "nodeKey"), Position: position(args)}
	if s := argString(args, "sheet"); s != "" {
		m.Sheet = &s
	}
	return &ProposedAction{Type: ActionMoveNode, Move: m, Reason: argString(args, "reason")}, nil
}

func proposeEdge(t ActionType) func(map[string]any) (*ProposedAction, error) {
	return func(args map[string]any) (*ProposedAction, error) {
		return &ProposedAction{
			Type: t,
			Edge: &workflow.Edge{
				Source:       argString(args, "source"),
				SourceHandle: argString(args, "sourceHandle"),
				Target:       argString(args, "target"),
				TargetHandle: argString(args, "targetHandle"),
				Label:        argString(args, "label"),
			},
			Reason: argString(args, "reason"),
		}, nil
	}
}

var batchProposers = map[string]func(map[string]any) (*ProposedAction, error){
	"create_node": proposeCreateNode,
	"update_node": proposeUpdateNode,
	"delete_node": proposeDeleteNode,
	"move_node":   proposeMoveNode,
	"create_edge": proposeEdge(ActionCreateEdge),
	"delete_edge": proposeEdge(ActionDeleteEdge),
}

func proposeBatch(args map[string]any) (*ProposedAction, error) {
	items, _ := args["actions"].([]any)
	out := &ProposedAction{Type: ActionBatch, Reason: argString(args, "reason")}
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, invalid("batch item %d is not an object", i)
		}
		name := argString(item, "action")
		if name == "" {
			name = argString(item, "type")
		}
		propose, ok := batchProposers[name]
		if !ok {
			return nil, invalid("batch item %d: unknown action %q", i, name)
		}
		a, err := propose(item)
		if err != nil {
			return nil, err
		}
		out.Actions = append(out.Actions, *a)
	}
	return out, nil
}

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func argFloat(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func argInt(args map[string]any, key string, def int) int {
	if f, ok := argFloat(args, key); ok && f > 0 {
		return int(f)
	}
	return def
}

func argMap(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	if len(m) == 0 {
		return nil
	}
	return m
}
