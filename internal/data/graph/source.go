package graph

import (
	"context"
	"errors"

	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
)

var (
	ErrGraphNotFound = errors.New("graph not found")
	ErrNodeNotFound  = errors.New("node not found")
	ErrEdgeNotFound  = errors.New("edge not found")
	ErrNodeExists    = errors.New("node already exists")
)

type Direction string

const (
	DirectionBoth     Direction = "both"
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Neighborhood is a node plus everything reachable within the requested
// depth. Nodes starts with the center node.
type Neighborhood struct {
	Nodes []workflow.Node
	Edges []workflow.Edge
}

// DataSource is the read side of the workflow graph store. Lookups of a
// missing graph return ErrGraphNotFound; a missing node returns
// ErrNodeNotFound.
type DataSource interface {
	GetGraph(ctx context.Context, graphKey string) (*workflow.Graph, error)
	// GetNodes and GetEdges return the whole graph when sheetID is empty.
	GetNodes(ctx context.Context, graphKey, sheetID string) ([]workflow.Node, error)
	GetEdges(ctx context.Context, graphKey, sheetID string) ([]workflow.Edge, error)
	GetNodeByKey(ctx context.Context, graphKey, nodeKey string) (*workflow.Node, error)
	GetNodeConfigs(ctx context.Context, graphKey string) ([]workflow.NodeConfig, error)
	// SearchNodes ranks by vector similarity when queryEmbedding is set,
	// otherwise by keyword overlap. maxResults <= 0 means no cap.
	SearchNodes(ctx context.Context, graphKey, query string, maxResults int, queryEmbedding []float32) ([]workflow.Node, error)
	GetNeighborhood(ctx context.Context, graphKey, nodeKey string, maxDepth int, dir Direction) (*Neighborhood, error)
}

// NodePatch lists the fields an update touches; nil means unchanged.
type NodePatch struct {
	Process  *string            `json:"process,omitempty"`
	Sheet    *string            `json:"sheet,omitempty"`
	Data     map[string]any     `json:"data,omitempty"`
	Position *workflow.Position `json:"position,omitempty"`
}

// MutableDataSource is used only to apply actions a user has approved.
type MutableDataSource interface {
	DataSource
	CreateNode(ctx context.Context, graphKey string, node workflow.Node) (*workflow.Node, error)
	UpdateNode(ctx context.Context, graphKey, nodeKey string, patch NodePatch) (*workflow.Node, error)
	DeleteNode(ctx context.Context, graphKey, nodeKey string) error
	CreateEdge(ctx context.Context, graphKey string, edge workflow.Edge) (*workflow.Edge, error)
	DeleteEdge(ctx context.Context, graphKey string, edge workflow.Edge) error
}
