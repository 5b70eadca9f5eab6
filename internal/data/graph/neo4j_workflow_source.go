package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
	"github.com/yungbote/graphpilot-backend/internal/platform/neo4jdb"
)

// Storage layout:
//
//	(:WorkflowGraph {key, name, description, workspace, sheets_json, metadata_json})
//	(:WorkflowNode {graph_key, key, type, sheet, process, handles_json, data_json, x, y, embedding})
//	(:WorkflowNode)-[:FLOWS_TO {key, source_handle, target_handle, label}]->(:WorkflowNode)
//	(:WorkflowNodeConfig {graph_key, key, display_name, description, category, icon, handles_json})
//
// Nested values are stored as JSON strings since Neo4j properties cannot
// hold maps.
const DefaultVectorIndex = "workflow_node_embedding"

type Neo4jSource struct {
	client      *neo4jdb.Client
	log         *logger.Logger
	vectorIndex string
}

var _ MutableDataSource = (*Neo4jSource)(nil)

func NewNeo4jSource(client *neo4jdb.Client, log *logger.Logger, vectorIndex string) (*Neo4jSource, error) {
	if client == nil || client.Driver == nil {
		return nil, fmt.Errorf("graph: neo4j client required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if strings.TrimSpace(vectorIndex) == "" {
		vectorIndex = DefaultVectorIndex
	}
	return &Neo4jSource{client: client, log: log.With("source", "Neo4jWorkflow"), vectorIndex: vectorIndex}, nil
}

// EnsureSchema creates constraints and the vector index. Failures are
// logged and skipped so older servers still work for keyword search.
func (s *Neo4jSource) EnsureSchema(ctx context.Context, embeddingDim int) {
	stmts := []string{
		`CREATE CONSTRAINT workflow_graph_key_unique IF NOT EXISTS FOR (g:WorkflowGraph) REQUIRE g.key IS UNIQUE`,
		`CREATE CONSTRAINT workflow_node_key_unique IF NOT EXISTS FOR (n:WorkflowNode) REQUIRE (n.graph_key, n.key) IS UNIQUE`,
		`CREATE CONSTRAINT workflow_node_config_unique IF NOT EXISTS FOR (c:WorkflowNodeConfig) REQUIRE (c.graph_key, c.key) IS UNIQUE`,
	}
	if embeddingDim > 0 {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:WorkflowNode) ON n.embedding OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			s.vectorIndex, embeddingDim,
		))
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			s.log.Warn("neo4j schema init failed (continuing)", "error", err)
		} else {
			_, _ = res.Consume(ctx)
		}
	}
}

func (s *Neo4jSource) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.client.Database,
	})
}

func (s *Neo4jSource) read(ctx context.Context, q string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, q, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	recs, _ := out.([]*neo4j.Record)
	return recs, nil
}

func (s *Neo4jSource) GetGraph(ctx context.Context, graphKey string) (*workflow.Graph, error) {
	recs, err := s.read(ctx, `MATCH (g:WorkflowGraph {key: $graph_key}) RETURN g{.*} AS g`, map[string]any{"graph_key": graphKey})
	if err != nil {
		return nil, fmt.Errorf("neo4j get graph: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrGraphNotFound
	}
	g := graphFromProps(recordMap(recs[0], "g"))
	return &g, nil
}

func (s *Neo4jSource) GetNodes(ctx context.Context, graphKey, sheetID string) ([]workflow.Node, error) {
	recs, err := s.read(ctx, `
MATCH (g:WorkflowGraph {key: $graph_key})
OPTIONAL MATCH (n:WorkflowNode {graph_key: $graph_key})
WHERE $sheet = '' OR n.sheet = $sheet
RETURN n{.*} AS n
ORDER BY n.key
`, map[string]any{"graph_key": graphKey, "sheet": sheetID})
	if err != nil {
		return nil, fmt.Errorf("neo4j get nodes: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrGraphNotFound
	}
	out := make([]workflow.Node, 0, len(recs))
	for _, rec := range recs {
		if props := recordMap(rec, "n"); props != nil {
			out = append(out, nodeFromProps(props))
		}
	}
	return out, nil
}

func (s *Neo4jSource) GetEdges(ctx context.Context, graphKey, sheetID string) ([]workflow.Edge, error) {
	recs, err := s.read(ctx, `
MATCH (g:WorkflowGraph {key: $graph_key})
OPTIONAL MATCH (a:WorkflowNode {graph_key: $graph_key})-[r:FLOWS_TO]->(b:WorkflowNode {graph_key: $graph_key})
WHERE $sheet = '' OR a.sheet = $sheet OR b.sheet = $sheet
RETURN a.key AS source, b.key AS target, r{.*} AS rel
ORDER BY source, target
`, map[string]any{"graph_key": graphKey, "sheet": sheetID})
	if err != nil {
		return nil, fmt.Errorf("neo4j get edges: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrGraphNotFound
	}
	return edgesFromRecords(recs), nil
}

func edgesFromRecords(recs []*neo4j.Record) []workflow.Edge {
	out := make([]workflow.Edge, 0, len(recs))
	for _, rec := range recs {
		src := recordString(rec, "source")
		dst := recordString(rec, "target")
		if src == "" || dst == "" {
			continue
		}
		out = append(out, edgeFromProps(src, dst, recordMap(rec, "rel")))
	}
	return out
}

func (s *Neo4jSource) GetNodeByKey(ctx context.Context, graphKey, nodeKey string) (*workflow.Node, error) {
	recs, err := s.read(ctx, `
MATCH (g:WorkflowGraph {key: $graph_key})
OPTIONAL MATCH (n:WorkflowNode {graph_key: $graph_key, key: $node_key})
RETURN n{.*} AS n
`, map[string]any{"graph_key": graphKey, "node_key": nodeKey})
	if err != nil {
		return nil, fmt.Errorf("neo4j get node: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrGraphNotFound
	}
	props := recordMap(recs[0], "n")
	if props == nil {
		return nil, ErrNodeNotFound
	}
	n := nodeFromProps(props)
	return &n, nil
}

func (s *Neo4jSource) GetNodeConfigs(ctx context.Context, graphKey string) ([]workflow.NodeConfig, error) {
	recs, err := s.read(ctx, `
MATCH (g:WorkflowGraph {key: $graph_key})
OPTIONAL MATCH (c:WorkflowNodeConfig {graph_key: $graph_key})
RETURN c{.*} AS c
ORDER BY c.key
`, map[string]any{"graph_key": graphKey})
	if err != nil {
		return nil, fmt.Errorf("neo4j get node configs: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrGraphNotFound
	}
	out := make([]workflow.NodeConfig, 0, len(recs))
	for _, rec := range recs {
		if props := recordMap(rec, "c"); props != nil {
			out = append(out, configFromProps(props))
		}
	}
	return out, nil
}

// SearchNodes queries the vector index when an embedding is supplied and
// falls back to a keyword prefilter ranked in process otherwise, or when
// the index is unavailable.
func (s *Neo4jSource) SearchNodes(ctx context.Context, graphKey, query string, maxResults int, queryEmbedding []float32) ([]workflow.Node, error) {
	if len(queryEmbedding) > 0 {
		nodes, err := s.vectorSearch(ctx, graphKey, maxResults, queryEmbedding)
		if err == nil && len(nodes) > 0 {
			return nodes, nil
		}
		if err != nil {
			s.log.Warn("vector search failed, using keyword search", "graph_key", graphKey, "error", err)
		}
	}

	tokens := Tokenize(query)
	if len(tokens) == 0 {
		if _, err := s.GetGraph(ctx, graphKey); err != nil {
			return nil, err
		}
		return []workflow.Node{}, nil
	}
	recs, err := s.read(ctx, `
MATCH (g:WorkflowGraph {key: $graph_key})
OPTIONAL MATCH (n:WorkflowNode {graph_key: $graph_key})
WHERE any(t IN $tokens WHERE
  toLower(n.key) CONTAINS t OR
  toLower(coalesce(n.type, '')) CONTAINS t OR
  toLower(coalesce(n.process, '')) CONTAINS t OR
  toLower(coalesce(n.data_json, '')) CONTAINS t)
RETURN n{.*} AS n
`, map[string]any{"graph_key": graphKey, "tokens": tokens})
	if err != nil {
		return nil, fmt.Errorf("neo4j keyword search: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrGraphNotFound
	}
	var cands []scored
	for _, rec := range recs {
		props := recordMap(rec, "n")
		if props == nil {
			continue
		}
		n := nodeFromProps(props)
		if sc := keywordScore(n, tokens); sc > 0 {
			cands = append(cands, scored{node: n, score: float64(sc)})
		}
	}
	return rankNodes(cands, maxResults), nil
}

func (s *Neo4jSource) vectorSearch(ctx context.Context, graphKey string, maxResults int, embedding []float32) ([]workflow.Node, error) {
	k := maxResults
	if k <= 0 {
		k = 20
	}
	vec := make([]float64, len(embedding))
	for i, v := range embedding {
		vec[i] = float64(v)
	}
	// The index spans all graphs, so over-fetch before filtering.
	recs, err := s.read(ctx, `
CALL db.index.vector.queryNodes($index, $k, $embedding) YIELD node, score
WHERE node.graph_key = $graph_key
RETURN node{.*} AS n, score
ORDER BY score DESC
`, map[string]any{"index": s.vectorIndex, "k": k * 4, "embedding": vec, "graph_key": graphKey})
	if err != nil {
		return nil, err
	}
	cands := make([]scored, 0, len(recs))
	for _, rec := range recs {
		props := recordMap(rec, "n")
		if props == nil {
			continue
		}
		score, _ := rec.Get("score")
		cands = append(cands, scored{node: nodeFromProps(props), score: toFloat(score)})
	}
	return rankNodes(cands, maxResults), nil
}

func (s *Neo4jSource) GetNeighborhood(ctx context.Context, graphKey, nodeKey string, maxDepth int, dir Direction) (*Neighborhood, error) {
	center, err := s.GetNodeByKey(ctx, graphKey, nodeKey)
	if err != nil {
		return nil, err
	}
	out := &Neighborhood{Nodes: []workflow.Node{*center}}
	if maxDepth <= 0 {
		return out, nil
	}

	pattern := neighborhoodPattern(dir, maxDepth)
	params := map[string]any{"graph_key": graphKey, "node_key": nodeKey}

	nodeRecs, err := s.read(ctx, fmt.Sprintf(`
MATCH p = (c:WorkflowNode {graph_key: $graph_key, key: $node_key})%s(m:WorkflowNode {graph_key: $graph_key})
WHERE m.key <> $node_key
WITH m, min(length(p)) AS dist
RETURN m{.*} AS n, dist
ORDER BY dist, n.key
`, pattern), params)
	if err != nil {
		return nil, fmt.Errorf("neo4j neighborhood nodes: %w", err)
	}
	for _, rec := range nodeRecs {
		if props := recordMap(rec, "n"); props != nil {
			out.Nodes = append(out.Nodes, nodeFromProps(props))
		}
	}

	edgeRecs, err := s.read(ctx, fmt.Sprintf(`
MATCH p = (c:WorkflowNode {graph_key: $graph_key, key: $node_key})%s(m:WorkflowNode {graph_key: $graph_key})
UNWIND relationships(p) AS r
WITH DISTINCT r
RETURN startNode(r).key AS source, endNode(r).key AS target, r{.*} AS rel
ORDER BY source, target
`, pattern), params)
	if err != nil {
		return nil, fmt.Errorf("neo4j neighborhood edges: %w", err)
	}
	out.Edges = edgesFromRecords(edgeRecs)
	return out, nil
}

// neighborhoodPattern renders the relationship part of a variable-length
// match. Cypher does not accept the hop bound as a parameter.
func neighborhoodPattern(dir Direction, maxDepth int) string {
	rel := fmt.Sprintf("[:FLOWS_TO*1..%d]", maxDepth)
	switch dir {
	case DirectionOutgoing:
		return "-" + rel + "->"
	case DirectionIncoming:
		return "<-" + rel + "-"
	default:
		return "-" + rel + "-"
	}
}

func (s *Neo4jSource) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, fn)
}

func collectOne(ctx context.Context, tx neo4j.ManagedTransaction, q string, params map[string]any) (*neo4j.Record, error) {
	res, err := tx.Run(ctx, q, params)
	if err != nil {
		return nil, err
	}
	recs, err := res.Collect(ctx)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Import writes a whole snapshot, replacing any graph with the same key.
func (s *Neo4jSource) Import(ctx context.Context, snap Snapshot) error {
	if strings.TrimSpace(snap.Graph.Key) == "" {
		return fmt.Errorf("graph snapshot without key")
	}
	key := snap.Graph.Key
	nodes := make([]map[string]any, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if v, ok := snap.Embeddings[n.Key]; ok {
			n.Embedding = v
		}
		nodes = append(nodes, nodeToProps(key, n))
	}
	edges := make([]map[string]any, 0, len(snap.Edges))
	for _, e := range snap.Edges {
		edges = append(edges, map[string]any{"source": e.Source, "target": e.Target, "props": edgeToProps(e)})
	}
	configs := make([]map[string]any, 0, len(snap.NodeConfigs))
	for _, c := range snap.NodeConfigs {
		configs = append(configs, configToProps(key, c))
	}

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stmts := []struct {
			q      string
			params map[string]any
		}{
			{`MATCH (n:WorkflowNode {graph_key: $graph_key}) DETACH DELETE n`, map[string]any{"graph_key": key}},
			{`MATCH (c:WorkflowNodeConfig {graph_key: $graph_key}) DELETE c`, map[string]any{"graph_key": key}},
			{`MERGE (g:WorkflowGraph {key: $graph_key}) SET g = $graph`, map[string]any{"graph_key": key, "graph": graphToProps(snap.Graph)}},
			{`UNWIND $nodes AS n CREATE (x:WorkflowNode) SET x = n`, map[string]any{"nodes": nodes}},
			{`
UNWIND $edges AS e
MATCH (a:WorkflowNode {graph_key: $graph_key, key: e.source})
MATCH (b:WorkflowNode {graph_key: $graph_key, key: e.target})
CREATE (a)-[r:FLOWS_TO]->(b)
SET r = e.props
`, map[string]any{"graph_key": key, "edges": edges}},
			{`UNWIND $configs AS c CREATE (x:WorkflowNodeConfig) SET x = c`, map[string]any{"configs": configs}},
		}
		for _, st := range stmts {
			res, err := tx.Run(ctx, st.q, st.params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j import graph %q: %w", key, err)
	}
	return nil
}

func (s *Neo4jSource) CreateNode(ctx context.Context, graphKey string, node workflow.Node) (*workflow.Node, error) {
	if strings.TrimSpace(node.Key) == "" {
		return nil, fmt.Errorf("create node: key required")
	}
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rec, err := collectOne(ctx, tx, `
MATCH (g:WorkflowGraph {key: $graph_key})
OPTIONAL MATCH (n:WorkflowNode {graph_key: $graph_key, key: $node_key})
RETURN n IS NOT NULL AS found
`, map[string]any{"graph_key": graphKey, "node_key": node.Key})
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrGraphNotFound
		}
		if found, _ := rec.Get("found"); found == true {
			return nil, fmt.Errorf("create node %q: %w", node.Key, ErrNodeExists)
		}
		res, err := tx.Run(ctx, `CREATE (n:WorkflowNode) SET n = $props`, map[string]any{"props": nodeToProps(graphKey, node)})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *Neo4jSource) UpdateNode(ctx context.Context, graphKey, nodeKey string, patch NodePatch) (*workflow.Node, error) {
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rec, err := collectOne(ctx, tx, `
MATCH (g:WorkflowGraph {key: $graph_key})
OPTIONAL MATCH (n:WorkflowNode {graph_key: $graph_key, key: $node_key})
RETURN n{.*} AS n
`, map[string]any{"graph_key": graphKey, "node_key": nodeKey})
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrGraphNotFound
		}
		props := recordMap(rec, "n")
		if props == nil {
			return nil, ErrNodeNotFound
		}
		n := nodeFromProps(props)
		applyPatch(&n, patch)
		res, err := tx.Run(ctx, `
MATCH (n:WorkflowNode {graph_key: $graph_key, key: $node_key})
SET n += $props
`, map[string]any{"graph_key": graphKey, "node_key": nodeKey, "props": nodeToProps(graphKey, n)})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return &n, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*workflow.Node), nil
}

func applyPatch(n *workflow.Node, patch NodePatch) {
	if patch.Process != nil {
		n.Process = *patch.Process
	}
	if patch.Sheet != nil {
		n.Sheet = *patch.Sheet
	}
	if patch.Position != nil {
		n.Position = *patch.Position
	}
	if len(patch.Data) > 0 {
		if n.Data == nil {
			n.Data = map[string]any{}
		}
		maps.Copy(n.Data, patch.Data)
	}
}

func (s *Neo4jSource) DeleteNode(ctx context.Context, graphKey, nodeKey string) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rec, err := collectOne(ctx, tx, `
MATCH (g:WorkflowGraph {key: $graph_key})
OPTIONAL MATCH (n:WorkflowNode {graph_key: $graph_key, key: $node_key})
WITH n, n IS NOT NULL AS found
DETACH DELETE n
RETURN found
`, map[string]any{"graph_key": graphKey, "node_key": nodeKey})
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrGraphNotFound
		}
		if found, _ := rec.Get("found"); found != true {
			return nil, ErrNodeNotFound
		}
		return nil, nil
	})
	return err
}

func (s *Neo4jSource) CreateEdge(ctx context.Context, graphKey string, edge workflow.Edge) (*workflow.Edge, error) {
	if edge.Key == "" {
		edge.Key = edge.ID()
	}
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rec, err := collectOne(ctx, tx, `
MATCH (g:WorkflowGraph {key: $graph_key})
OPTIONAL MATCH (a:WorkflowNode {graph_key: $graph_key, key: $source})
OPTIONAL MATCH (b:WorkflowNode {graph_key: $graph_key, key: $target})
RETURN a IS NOT NULL AS has_source, b IS NOT NULL AS has_target
`, map[string]any{"graph_key": graphKey, "source": edge.Source, "target": edge.Target})
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrGraphNotFound
		}
		if ok, _ := rec.Get("has_source"); ok != true {
			return nil, fmt.Errorf("create edge: %q: %w", edge.Source, ErrNodeNotFound)
		}
		if ok, _ := rec.Get("has_target"); ok != true {
			return nil, fmt.Errorf("create edge: %q: %w", edge.Target, ErrNodeNotFound)
		}
		res, err := tx.Run(ctx, `
MATCH (a:WorkflowNode {graph_key: $graph_key, key: $source})
MATCH (b:WorkflowNode {graph_key: $graph_key, key: $target})
CREATE (a)-[r:FLOWS_TO]->(b)
SET r = $props
`, map[string]any{"graph_key": graphKey, "source": edge.Source, "target": edge.Target, "props": edgeToProps(edge)})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

func (s *Neo4jSource) DeleteEdge(ctx context.Context, graphKey string, edge workflow.Edge) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rec, err := collectOne(ctx, tx, `
MATCH (a:WorkflowNode {graph_key: $graph_key})-[r:FLOWS_TO]->(b:WorkflowNode {graph_key: $graph_key})
WHERE ($key <> '' AND r.key = $key)
   OR (a.key = $source AND b.key = $target
       AND ($source_handle = '' OR r.source_handle = $source_handle)
       AND ($target_handle = '' OR r.target_handle = $target_handle))
DELETE r
RETURN count(*) AS deleted
`, map[string]any{
			"graph_key":     graphKey,
			"key":           edge.Key,
			"source":        edge.Source,
			"target":        edge.Target,
			"source_handle": edge.SourceHandle,
			"target_handle": edge.TargetHandle,
		})
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrEdgeNotFound
		}
		if n, _ := rec.Get("deleted"); toFloat(n) == 0 {
			return nil, ErrEdgeNotFound
		}
		return nil, nil
	})
	return err
}

// --- property mapping ---

func recordMap(rec *neo4j.Record, key string) map[string]any {
	if rec == nil {
		return nil
	}
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func recordString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func propString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	default:
		return 0
	}
}

func decodeJSONProp(m map[string]any, key string, into any) {
	raw := propString(m, key)
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), into)
}

func encodeJSONProp(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func graphFromProps(m map[string]any) workflow.Graph {
	g := workflow.Graph{
		Key:         propString(m, "key"),
		Name:        propString(m, "name"),
		Description: propString(m, "description"),
		Workspace:   propString(m, "workspace"),
	}
	decodeJSONProp(m, "sheets_json", &g.Sheets)
	decodeJSONProp(m, "metadata_json", &g.Metadata)
	if g.Sheets == nil {
		g.Sheets = map[string]string{}
	}
	return g
}

func graphToProps(g workflow.Graph) map[string]any {
	return map[string]any{
		"key":           g.Key,
		"name":          g.Name,
		"description":   g.Description,
		"workspace":     g.Workspace,
		"sheets_json":   encodeJSONProp(g.Sheets),
		"metadata_json": encodeJSONProp(g.Metadata),
	}
}

func nodeFromProps(m map[string]any) workflow.Node {
	n := workflow.Node{
		Key:     propString(m, "key"),
		Type:    propString(m, "type"),
		Sheet:   propString(m, "sheet"),
		Process: propString(m, "process"),
		Position: workflow.Position{
			X: toFloat(m["x"]),
			Y: toFloat(m["y"]),
		},
	}
	decodeJSONProp(m, "handles_json", &n.Handles)
	decodeJSONProp(m, "data_json", &n.Data)
	switch vec := m["embedding"].(type) {
	case []any:
		n.Embedding = make([]float32, 0, len(vec))
		for _, v := range vec {
			n.Embedding = append(n.Embedding, float32(toFloat(v)))
		}
	case []float64:
		n.Embedding = make([]float32, 0, len(vec))
		for _, v := range vec {
			n.Embedding = append(n.Embedding, float32(v))
		}
	}
	return n
}

func nodeToProps(graphKey string, n workflow.Node) map[string]any {
	props := map[string]any{
		"graph_key":    graphKey,
		"key":          n.Key,
		"type":         n.Type,
		"sheet":        n.Sheet,
		"process":      n.Process,
		"handles_json": encodeJSONProp(n.Handles),
		"data_json":    encodeJSONProp(n.Data),
		"x":            n.Position.X,
		"y":            n.Position.Y,
	}
	if len(n.Embedding) > 0 {
		vec := make([]float64, len(n.Embedding))
		for i, v := range n.Embedding {
			vec[i] = float64(v)
		}
		props["embedding"] = vec
	}
	return props
}

func edgeFromProps(source, target string, m map[string]any) workflow.Edge {
	return workflow.Edge{
		Key:          propString(m, "key"),
		Source:       source,
		SourceHandle: propString(m, "source_handle"),
		Target:       target,
		TargetHandle: propString(m, "target_handle"),
		Label:        propString(m, "label"),
	}
}

func edgeToProps(e workflow.Edge) map[string]any {
	return map[string]any{
		"key":           e.ID(),
		"source_handle": e.SourceHandle,
		"target_handle": e.TargetHandle,
		"label":         e.Label,
	}
}

func configFromProps(m map[string]any) workflow.NodeConfig {
	c := workflow.NodeConfig{
		Key:         propString(m, "key"),
		DisplayName: propString(m, "display_name"),
		Description: propString(m, "description"),
		Category:    propString(m, "category"),
		Icon:        propString(m, "icon"),
	}
	decodeJSONProp(m, "handles_json", &c.Handles)
	return c
}

func configToProps(graphKey string, c workflow.NodeConfig) map[string]any {
	return map[string]any{
		"graph_key":    graphKey,
		"key":          c.Key,
		"display_name": c.DisplayName,
		"description":  c.Description,
		"category":     c.Category,
		"icon":         c.Icon,
		"handles_json": encodeJSONProp(c.Handles),
	}
}
