// Package graphrag selects the part of a workflow graph relevant to a user
// question and renders it into the assistant's system prompt.
package graphrag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/yungbote/graphpilot-backend/internal/data/graph"
	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
	"github.com/yungbote/graphpilot-backend/internal/llm"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

var ErrGraphNotFound = graph.ErrGraphNotFound

var tracer = otel.Tracer("github.com/yungbote/graphpilot-backend/internal/modules/assistant/graphrag")

type Config struct {
	MaxNodes        int
	MaxDepth        int
	TruncateProcess int
	TruncateData    int
	// CacheTTL of zero disables caching.
	CacheTTL  time.Duration
	Direction graph.Direction
	// ExpandConcurrency bounds parallel neighborhood lookups.
	ExpandConcurrency int
	// BuildTimeout bounds a cached build. Coalesced builds run detached from
	// any single caller's cancellation.
	BuildTimeout time.Duration
	// MaxCacheEntries caps the cache; the entry closest to expiry is evicted
	// first.
	MaxCacheEntries int
}

func DefaultConfig() Config {
	return Config{
		MaxNodes:          20,
		MaxDepth:          1,
		TruncateProcess:   500,
		TruncateData:      300,
		CacheTTL:          5 * time.Minute,
		Direction:         graph.DirectionBoth,
		ExpandConcurrency: 8,
		BuildTimeout:      30 * time.Second,
		MaxCacheEntries:   1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxNodes <= 0 {
		c.MaxNodes = d.MaxNodes
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.TruncateProcess <= 0 {
		c.TruncateProcess = d.TruncateProcess
	}
	if c.TruncateData <= 0 {
		c.TruncateData = d.TruncateData
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = 0
	}
	if c.Direction == "" {
		c.Direction = d.Direction
	}
	if c.ExpandConcurrency <= 0 {
		c.ExpandConcurrency = d.ExpandConcurrency
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = d.BuildTimeout
	}
	if c.MaxCacheEntries <= 0 {
		c.MaxCacheEntries = d.MaxCacheEntries
	}
	return c
}

type cacheKey struct {
	graphKey string
	query    string
}

type cacheEntry struct {
	ctx     *Context
	expires time.Time
}

type Retriever struct {
	source   graph.DataSource
	embedder llm.EmbeddingProvider
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
	observe  func(cache string, d time.Duration)

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
	// epoch advances on every invalidation so in-flight builds started
	// before it do not repopulate the cache with stale data.
	epoch     uint64
	lastSweep time.Time
	group     singleflight.Group
}

type Option func(*Retriever)

func WithClock(now func() time.Time) Option {
	return func(r *Retriever) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver reports the latency of every successful retrieval. cache is
// "hit", "miss" or "off".
func WithObserver(fn func(cache string, d time.Duration)) Option {
	return func(r *Retriever) { r.observe = fn }
}

// NewRetriever builds a retriever over source. embedder may be nil, in
// which case search is keyword only.
func NewRetriever(source graph.DataSource, embedder llm.EmbeddingProvider, cfg Config, log *logger.Logger, opts ...Option) *Retriever {
	if log == nil {
		log = logger.Nop()
	}
	r := &Retriever{
		source:   source,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		log:      log.With("service", "GraphRAGRetriever"),
		now:      time.Now,
		cache:    map[cacheKey]cacheEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retriever) Config() Config { return r.cfg }

// Retrieve returns the context for (graphKey, query). While cached, repeated
// calls return the same pointer.
func (r *Retriever) Retrieve(ctx context.Context, graphKey, query string) (*Context, error) {
	ctx, span := tracer.Start(ctx, "graphrag.Retrieve")
	span.SetAttributes(attribute.String("graph.key", graphKey))
	defer span.End()
	start := time.Now()

	if r.cfg.CacheTTL <= 0 {
		out, err := r.build(ctx, graphKey, query)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		r.report("off", start)
		return out, nil
	}

	key := cacheKey{graphKey: graphKey, query: query}
	if hit, ok := r.lookup(key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		r.report("hit", start)
		return hit, nil
	}

	ch := r.group.DoChan(graphKey+"\x00"+query, func() (any, error) {
		if hit, ok := r.lookup(key); ok {
			return hit, nil
		}
		r.mu.RLock()
		epoch := r.epoch
		r.mu.RUnlock()

		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.BuildTimeout)
		defer cancel()
		built, err := r.build(bctx, graphKey, query)
		if err != nil {
			return nil, err
		}
		r.store(key, built, epoch)
		return built, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
		return nil, res.Err
	}
	r.report("miss", start)
	return res.Val.(*Context), nil
}

// store caches built unless the cache was invalidated after epoch was read.
// Expired entries are swept at most once per TTL.
func (r *Retriever) store(key cacheKey, built *Context, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return
	}
	now := r.now()
	if now.Sub(r.lastSweep) >= r.cfg.CacheTTL {
		for k, e := range r.cache {
			if !now.Before(e.expires) {
				delete(r.cache, k)
			}
		}
		r.lastSweep = now
	}
	if _, ok := r.cache[key]; !ok && len(r.cache) >= r.cfg.MaxCacheEntries {
		var (
			victim cacheKey
			oldest time.Time
			found  bool
		)
		for k, e := range r.cache {
			if !found || e.expires.Before(oldest) {
				victim, oldest, found = k, e.expires, true
			}
		}
		delete(r.cache, victim)
	}
	r.cache[key] = cacheEntry{ctx: built, expires: now.Add(r.cfg.CacheTTL)}
}

func (r *Retriever) report(cache string, start time.Time) {
	if r.observe != nil {
		r.observe(cache, time.Since(start))
	}
}

func (r *Retriever) lookup(key cacheKey) (*Context, bool) {
	r.mu.RLock()
	e, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !r.now().Before(e.expires) {
		r.mu.Lock()
		if cur, ok := r.cache[key]; ok && cur.expires.Equal(e.expires) {
			delete(r.cache, key)
		}
		r.mu.Unlock()
		return nil, false
	}
	return e.ctx, true
}

// InvalidateGraph drops every cached context for graphKey.
func (r *Retriever) InvalidateGraph(graphKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	for k := range r.cache {
		if k.graphKey == graphKey {
			delete(r.cache, k)
		}
	}
}

func (r *Retriever) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.cache = map[cacheKey]cacheEntry{}
}

func (r *Retriever) build(ctx context.Context, graphKey, query string) (*Context, error) {
	g, err := r.source.GetGraph(ctx, graphKey)
	if err != nil {
		if errors.Is(err, graph.ErrGraphNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, graphKey)
		}
		return nil, fmt.Errorf("get graph %s: %w", graphKey, err)
	}

	var embedding []float32
	if r.embedder != nil && strings.TrimSpace(query) != "" {
		embedding, err = r.embedder.GenerateEmbedding(ctx, query)
		if err != nil {
			r.log.Warn("query embedding failed, using keyword search", "graph_key", graphKey, "error", err)
			embedding = nil
		}
	}

	seeds, err := r.source.SearchNodes(ctx, graphKey, query, r.cfg.MaxNodes, embedding)
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	if len(seeds) == 0 {
		seeds, err = r.source.GetNodes(ctx, graphKey, "")
		if err != nil {
			return nil, fmt.Errorf("get nodes: %w", err)
		}
		if len(seeds) > r.cfg.MaxNodes {
			seeds = seeds[:r.cfg.MaxNodes]
		}
	}

	var (
		neighborhoods = make([]*graph.Neighborhood, len(seeds))
		allEdges      []workflow.Edge
		configs       []workflow.NodeConfig
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.ExpandConcurrency)
	eg.Go(func() error {
		edges, err := r.source.GetEdges(gctx, graphKey, "")
		if err != nil {
			return fmt.Errorf("get edges: %w", err)
		}
		allEdges = edges
		return nil
	})
	eg.Go(func() error {
		cfgs, err := r.source.GetNodeConfigs(gctx, graphKey)
		if err != nil {
			return fmt.Errorf("get node configs: %w", err)
		}
		configs = cfgs
		return nil
	})
	if r.cfg.MaxDepth > 0 {
		for i, seed := range seeds {
			eg.Go(func() error {
				nb, err := r.source.GetNeighborhood(gctx, graphKey, seed.Key, r.cfg.MaxDepth, r.cfg.Direction)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					r.log.Warn("neighborhood expansion failed", "graph_key", graphKey, "node_key", seed.Key, "error", err)
					return nil
				}
				neighborhoods[i] = nb
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	nodes := mergeNodes(seeds, neighborhoods, r.cfg.MaxNodes)
	inSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		inSet[n.Key] = true
	}

	byType := make(map[string]workflow.NodeConfig, len(configs))
	for _, c := range configs {
		byType[c.Key] = c
	}

	out := &Context{
		Graph: GraphSummary{
			Key:         g.Key,
			Name:        g.Name,
			Description: g.Description,
			Sheets:      g.Sheets,
			Metadata:    g.Metadata,
		},
		RelevantNodes:   make([]RelevantNode, 0, len(nodes)),
		RelevantEdges:   []RelevantEdge{},
		NodeTypeConfigs: []NodeTypeConfigSummary{},
	}
	if out.Graph.Sheets == nil {
		out.Graph.Sheets = map[string]string{}
	}

	seenType := map[string]bool{}
	for _, n := range nodes {
		rn := RelevantNode{
			Key:         n.Key,
			Type:        n.Type,
			Sheet:       n.Sheet,
			SheetName:   g.SheetName(n.Sheet),
			Process:     truncate(n.Process, r.cfg.TruncateProcess),
			Handles:     toHandleSummaries(n.Handles),
			DataSummary: summarizeData(n.Data, r.cfg.TruncateData),
		}
		cfg, hasCfg := byType[n.Type]
		if hasCfg {
			rn.TypeName = cfg.DisplayName
		}
		out.RelevantNodes = append(out.RelevantNodes, rn)

		if n.Type == "" || seenType[n.Type] {
			continue
		}
		seenType[n.Type] = true
		if !hasCfg {
			cfg = workflow.NodeConfig{Key: n.Type, DisplayName: n.Type, Handles: n.Handles}
		}
		out.NodeTypeConfigs = append(out.NodeTypeConfigs, NodeTypeConfigSummary{
			Key:            cfg.Key,
			DisplayName:    cfg.DisplayName,
			Description:    cfg.Description,
			Category:       cfg.Category,
			Icon:           cfg.Icon,
			HandlesSummary: summarizeHandles(cfg.Handles),
		})
	}

	seenEdge := map[string]bool{}
	addEdge := func(e workflow.Edge) {
		if !inSet[e.Source] || !inSet[e.Target] || seenEdge[e.ID()] {
			return
		}
		seenEdge[e.ID()] = true
		out.RelevantEdges = append(out.RelevantEdges, RelevantEdge{
			Source:       e.Source,
			SourceHandle: e.SourceHandle,
			Target:       e.Target,
			TargetHandle: e.TargetHandle,
			Label:        e.Label,
		})
	}
	for _, nb := range neighborhoods {
		if nb != nil {
			for _, e := range nb.Edges {
				addEdge(e)
			}
		}
	}
	for _, e := range allEdges {
		addEdge(e)
	}

	r.log.Debug("graph context retrieved",
		"graph_key", graphKey,
		"seeds", len(seeds),
		"nodes", len(out.RelevantNodes),
		"edges", len(out.RelevantEdges),
		"vector", len(embedding) > 0,
	)
	return out, nil
}

// mergeNodes keeps seeds first, then neighbors in seed order, without
// duplicates and capped at max.
func mergeNodes(seeds []workflow.Node, neighborhoods []*graph.Neighborhood, max int) []workflow.Node {
	out := make([]workflow.Node, 0, max)
	seen := map[string]bool{}
	add := func(n workflow.Node) {
		if len(out) >= max || seen[n.Key] {
			return
		}
		seen[n.Key] = true
		out = append(out, n)
	}
	for _, n := range seeds {
		add(n)
	}
	for _, nb := range neighborhoods {
		if nb == nil {
			continue
		}
		for _, n := range nb.Nodes {
			add(n)
		}
	}
	return out
}
