// Package workflow holds the workflow graph shapes the assistant reads and
// edits: graphs split into sheets, typed nodes with handles, and edges
// between handles.
package workflow

type Graph struct {
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Workspace   string            `json:"workspace,omitempty"`
	Sheets      map[string]string `json:"sheets"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// SheetName resolves a sheet id, falling back to the id itself.
func (g *Graph) SheetName(sheetID string) string {
	if g != nil {
		if name, ok := g.Sheets[sheetID]; ok && name != "" {
			return name
		}
	}
	return sheetID
}

type HandleDirection string

const (
	HandleIn  HandleDirection = "in"
	HandleOut HandleDirection = "out"
)

type HandlePoint struct {
	ID           string          `json:"id"`
	Direction    HandleDirection `json:"direction"`
	AcceptedType string          `json:"acceptedType"`
	Display      string          `json:"display,omitempty"`
}

// Handle groups the connection points on one side of a node.
type Handle struct {
	Side   string        `json:"side"`
	Points []HandlePoint `json:"points"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	Key      string         `json:"key"`
	Type     string         `json:"type"`
	Sheet    string         `json:"sheet"`
	Process  string         `json:"process,omitempty"`
	Handles  []Handle       `json:"handles,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Position Position       `json:"position"`
	// Embedding is populated by the indexing side; never sent to clients.
	Embedding []float32 `json:"-"`
}

type Edge struct {
	Key          string `json:"key,omitempty"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle"`
	Label        string `json:"label,omitempty"`
}

// Touches reports whether the edge has nodeKey at either end.
func (e Edge) Touches(nodeKey string) bool {
	return e.Source == nodeKey || e.Target == nodeKey
}

// ID is Key when set, otherwise a key derived from both endpoints.
func (e Edge) ID() string {
	if e.Key != "" {
		return e.Key
	}
	return e.Source + ":" + e.SourceHandle + "->" + e.Target + ":" + e.TargetHandle
}

// NodeConfig is the per-graph definition of a node type.
type NodeConfig struct {
	Key         string   `json:"key"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Icon        string   `json:"icon,omitempty"`
	Handles     []Handle `json:"handles,omitempty"`
}
