package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
)

// Snapshot is the serialized form of one graph, used for fixtures and for
// running without Neo4j.
type Snapshot struct {
	Graph       workflow.Graph        `json:"graph"`
	Nodes       []workflow.Node       `json:"nodes"`
	Edges       []workflow.Edge       `json:"edges"`
	NodeConfigs []workflow.NodeConfig `json:"nodeConfigs"`
	Embeddings  map[string][]float32  `json:"embeddings,omitempty"`
}

type memGraph struct {
	graph   workflow.Graph
	nodes   []workflow.Node
	edges   []workflow.Edge
	configs []workflow.NodeConfig
}

// MemorySource is an in-process MutableDataSource.
type MemorySource struct {
	mu     sync.RWMutex
	graphs map[string]*memGraph
}

var _ MutableDataSource = (*MemorySource)(nil)

func NewMemorySource() *MemorySource {
	return &MemorySource{graphs: map[string]*memGraph{}}
}

// Put replaces the graph stored under snap.Graph.Key.
func (m *MemorySource) Put(snap Snapshot) {
	g := &memGraph{
		graph:   snap.Graph,
		nodes:   make([]workflow.Node, 0, len(snap.Nodes)),
		edges:   slices.Clone(snap.Edges),
		configs: slices.Clone(snap.NodeConfigs),
	}
	for _, n := range snap.Nodes {
		n = cloneNode(n)
		if v, ok := snap.Embeddings[n.Key]; ok {
			n.Embedding = slices.Clone(v)
		}
		g.nodes = append(g.nodes, n)
	}
	m.mu.Lock()
	m.graphs[snap.Graph.Key] = g
	m.mu.Unlock()
}

// LoadSnapshot decodes one JSON snapshot and stores it.
func (m *MemorySource) LoadSnapshot(r io.Reader) (string, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return "", fmt.Errorf("decode graph snapshot: %w", err)
	}
	if strings.TrimSpace(snap.Graph.Key) == "" {
		return "", fmt.Errorf("graph snapshot without key")
	}
	m.Put(snap)
	return snap.Graph.Key, nil
}

func cloneNode(n workflow.Node) workflow.Node {
	n.Data = maps.Clone(n.Data)
	n.Handles = slices.Clone(n.Handles)
	n.Embedding = slices.Clone(n.Embedding)
	return n
}

func (m *MemorySource) get(graphKey string) (*memGraph, error) {
	g, ok := m.graphs[graphKey]
	if !ok {
		return nil, ErrGraphNotFound
	}
	return g, nil
}

func (m *MemorySource) GetGraph(_ context.Context, graphKey string) (*workflow.Graph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}
	out := g.graph
	out.Sheets = maps.Clone(g.graph.Sheets)
	out.Metadata = maps.Clone(g.graph.Metadata)
	return &out, nil
}

func (m *MemorySource) GetNodes(_ context.Context, graphKey, sheetID string) ([]workflow.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}
	out := make([]workflow.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if sheetID == "" || n.Sheet == sheetID {
			out = append(out, cloneNode(n))
		}
	}
	return out, nil
}

func (m *MemorySource) GetEdges(_ context.Context, graphKey, sheetID string) ([]workflow.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}
	if sheetID == "" {
		return slices.Clone(g.edges), nil
	}
	onSheet := map[string]bool{}
	for _, n := range g.nodes {
		if n.Sheet == sheetID {
			onSheet[n.Key] = true
		}
	}
	out := make([]workflow.Edge, 0)
	for _, e := range g.edges {
		if onSheet[e.Source] || onSheet[e.Target] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemorySource) GetNodeByKey(_ context.Context, graphKey, nodeKey string) (*workflow.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}
	i := g.indexOf(nodeKey)
	if i < 0 {
		return nil, ErrNodeNotFound
	}
	n := cloneNode(g.nodes[i])
	return &n, nil
}

func (g *memGraph) indexOf(nodeKey string) int {
	return slices.IndexFunc(g.nodes, func(n workflow.Node) bool { return n.Key == nodeKey })
}

func (m *MemorySource) GetNodeConfigs(_ context.Context, graphKey string) ([]workflow.NodeConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}
	return slices.Clone(g.configs), nil
}

func (m *MemorySource) SearchNodes(_ context.Context, graphKey, query string, maxResults int, queryEmbedding []float32) ([]workflow.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}

	var cands []scored
	if len(queryEmbedding) > 0 {
		for _, n := range g.nodes {
			if sim := CosineSimilarity(queryEmbedding, n.Embedding); sim > 0 {
				cands = append(cands, scored{node: cloneNode(n), score: sim})
			}
		}
		if len(cands) > 0 {
			return rankNodes(cands, maxResults), nil
		}
	}

	tokens := Tokenize(query)
	for _, n := range g.nodes {
		if s := keywordScore(n, tokens); s > 0 {
			cands = append(cands, scored{node: cloneNode(n), score: float64(s)})
		}
	}
	return rankNodes(cands, maxResults), nil
}

// GetNeighborhood walks edges breadth-first up to maxDepth hops.
func (m *MemorySource) GetNeighborhood(_ context.Context, graphKey, nodeKey string, maxDepth int, dir Direction) (*Neighborhood, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}
	ci := g.indexOf(nodeKey)
	if ci < 0 {
		return nil, ErrNodeNotFound
	}
	if dir == "" {
		dir = DirectionBoth
	}

	out := &Neighborhood{Nodes: []workflow.Node{cloneNode(g.nodes[ci])}}
	visited := map[string]bool{nodeKey: true}
	seenEdge := map[string]bool{}
	frontier := []string{nodeKey}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, key := range frontier {
			for _, e := range g.edges {
				var other string
				switch {
				case e.Source == key && dir != DirectionIncoming:
					other = e.Target
				case e.Target == key && dir != DirectionOutgoing:
					other = e.Source
				default:
					continue
				}
				if !seenEdge[e.ID()] {
					seenEdge[e.ID()] = true
					out.Edges = append(out.Edges, e)
				}
				if visited[other] {
					continue
				}
				if i := g.indexOf(other); i >= 0 {
					visited[other] = true
					out.Nodes = append(out.Nodes, cloneNode(g.nodes[i]))
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (m *MemorySource) CreateNode(_ context.Context, graphKey string, node workflow.Node) (*workflow.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(node.Key) == "" {
		return nil, fmt.Errorf("create node: key required")
	}
	if g.indexOf(node.Key) >= 0 {
		return nil, fmt.Errorf("create node %q: %w", node.Key, ErrNodeExists)
	}
	node = cloneNode(node)
	g.nodes = append(g.nodes, node)
	out := cloneNode(node)
	return &out, nil
}

func (m *MemorySource) UpdateNode(_ context.Context, graphKey, nodeKey string, patch NodePatch) (*workflow.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}
	i := g.indexOf(nodeKey)
	if i < 0 {
		return nil, ErrNodeNotFound
	}
	n := &g.nodes[i]
	applyPatch(n, patch)
	out := cloneNode(*n)
	return &out, nil
}

// DeleteNode also drops every edge attached to the node.
func (m *MemorySource) DeleteNode(_ context.Context, graphKey, nodeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.get(graphKey)
	if err != nil {
		return err
	}
	i := g.indexOf(nodeKey)
	if i < 0 {
		return ErrNodeNotFound
	}
	g.nodes = slices.Delete(g.nodes, i, i+1)
	g.edges = slices.DeleteFunc(g.edges, func(e workflow.Edge) bool { return e.Touches(nodeKey) })
	return nil
}

func (m *MemorySource) CreateEdge(_ context.Context, graphKey string, edge workflow.Edge) (*workflow.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.get(graphKey)
	if err != nil {
		return nil, err
	}
	for _, k := range []string{edge.Source, edge.Target} {
		if g.indexOf(k) < 0 {
			return nil, fmt.Errorf("create edge: %q: %w", k, ErrNodeNotFound)
		}
	}
	if edge.Key == "" {
		edge.Key = edge.ID()
	}
	g.edges = append(g.edges, edge)
	return &edge, nil
}

// DeleteEdge matches by Key when set, else by endpoints and handles.
func (m *MemorySource) DeleteEdge(_ context.Context, graphKey string, edge workflow.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.get(graphKey)
	if err != nil {
		return err
	}
	before := len(g.edges)
	g.edges = slices.DeleteFunc(g.edges, func(e workflow.Edge) bool { return edgeMatches(e, edge) })
	if len(g.edges) == before {
		return ErrEdgeNotFound
	}
	return nil
}

func edgeMatches(have, want workflow.Edge) bool {
	if want.Key != "" && have.Key == want.Key {
		return true
	}
	if have.Source != want.Source || have.Target != want.Target {
		return false
	}
	if want.SourceHandle != "" && have.SourceHandle != want.SourceHandle {
		return false
	}
	if want.TargetHandle != "" && have.TargetHandle != want.TargetHandle {
		return false
	}
	return true
}
