package graphrag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphpilot-backend/internal/data/graph"
	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
)

func apiGraph() *graph.MemorySource {
	src := graph.NewMemorySource()
	src.Put(graph.Snapshot{
		Graph: workflow.Graph{Key: "g1", Name: "Orders", Sheets: map[string]string{"s1": "Ingest"}},
		Nodes: []workflow.Node{
			{Key: "start", Type: "trigger", Sheet: "s1"},
			{Key: "fetch-api", Type: "api-call", Sheet: "s1", Process: "GET /orders", Data: map[string]any{"method": "GET"}},
			{Key: "parse", Type: "script", Sheet: "s1"},
			{Key: "save", Type: "db-write", Sheet: "s1"},
		},
		Edges: []workflow.Edge{
			{Source: "start", SourceHandle: "out", Target: "fetch-api", TargetHandle: "in"},
			{Source: "fetch-api", SourceHandle: "out", Target: "parse", TargetHandle: "in"},
			{Source: "parse", SourceHandle: "out", Target: "save", TargetHandle: "in"},
		},
		NodeConfigs: []workflow.NodeConfig{
			{Key: "api-call", DisplayName: "API Call", Category: "network"},
			{Key: "trigger", DisplayName: "Trigger"},
		},
	})
	return src
}

func nodeKeys(c *Context) []string {
	out := make([]string, 0, len(c.RelevantNodes))
	for _, n := range c.RelevantNodes {
		out = append(out, n.Key)
	}
	return out
}

func assertEdgeClosure(t *testing.T, c *Context) {
	t.Helper()
	for _, e := range c.RelevantEdges {
		assert.True(t, c.HasNode(e.Source), "edge source %s not in node set", e.Source)
		assert.True(t, c.HasNode(e.Target), "edge target %s not in node set", e.Target)
	}
}

func TestRetrieveFetchAPIExample(t *testing.T) {
	r := NewRetriever(apiGraph(), nil, DefaultConfig(), nil)

	c, err := r.Retrieve(context.Background(), "g1", "fetch api")
	require.NoError(t, err)

	assert.Contains(t, nodeKeys(c), "fetch-api")
	assert.Equal(t, "fetch-api", c.RelevantNodes[0].Key)
	assert.Equal(t, "API Call", c.RelevantNodes[0].TypeName)
	assert.Equal(t, "Ingest", c.RelevantNodes[0].SheetName)

	var types []string
	for _, tc := range c.NodeTypeConfigs {
		types = append(types, tc.Key)
	}
	assert.Contains(t, types, "api-call")

	require.NotEmpty(t, c.RelevantEdges)
	for _, e := range c.RelevantEdges {
		assert.True(t, e.Source == "fetch-api" || e.Target == "fetch-api", "edge %s->%s does not touch fetch-api", e.Source, e.Target)
	}
	assertEdgeClosure(t, c)
}

func TestRetrieveGraphNotFound(t *testing.T) {
	r := NewRetriever(apiGraph(), nil, DefaultConfig(), nil)
	_, err := r.Retrieve(context.Background(), "nope", "anything")
	assert.ErrorIs(t, err, ErrGraphNotFound)
}

func TestRetrieveMaxDepthZeroReturnsSeedsOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDepth = 0
	r := NewRetriever(apiGraph(), nil, cfg, nil)

	c, err := r.Retrieve(context.Background(), "g1", "fetch api")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch-api"}, nodeKeys(c))
	assert.Empty(t, c.RelevantEdges)
}

func TestRetrieveFallsBackToAllNodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNodes = 3
	cfg.MaxDepth = 0
	r := NewRetriever(apiGraph(), nil, cfg, nil)

	c, err := r.Retrieve(context.Background(), "g1", "nothing matches this")
	require.NoError(t, err)
	assert.Len(t, c.RelevantNodes, 3)
	assertEdgeClosure(t, c)
}

func TestRetrieveRespectsMaxNodesAndEdgeClosure(t *testing.T) {
	src := graph.NewMemorySource()
	snap := graph.Snapshot{Graph: workflow.Graph{Key: "big"}}
	for i := 0; i < 30; i++ {
		snap.Nodes = append(snap.Nodes, workflow.Node{Key: fmt.Sprintf("step_%02d", i), Type: "script"})
		if i > 0 {
			snap.Edges = append(snap.Edges, workflow.Edge{Source: fmt.Sprintf("step_%02d", i-1), Target: fmt.Sprintf("step_%02d", i)})
		}
	}
	src.Put(snap)

	for _, depth := range []int{0, 1, 3} {
		cfg := DefaultConfig()
		cfg.MaxNodes = 5
		cfg.MaxDepth = depth
		r := NewRetriever(src, nil, cfg, nil)
		for _, q := range []string{"step", "step 07", "unmatched"} {
			c, err := r.Retrieve(context.Background(), "big", q)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(c.RelevantNodes), 5)
			assert.NotEmpty(t, c.RelevantNodes)
			assertEdgeClosure(t, c)
		}
	}
}

func TestRetrieveCacheReturnsSamePointer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	cfg := DefaultConfig()
	cfg.CacheTTL = time.Minute
	r := NewRetriever(apiGraph(), nil, cfg, nil, WithClock(clock))
	ctx := context.Background()

	a, err := r.Retrieve(ctx, "g1", "fetch api")
	require.NoError(t, err)
	b, err := r.Retrieve(ctx, "g1", "fetch api")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := r.Retrieve(ctx, "g1", "parse")
	require.NoError(t, err)
	assert.NotSame(t, a, other)

	advance(time.Minute)
	c, err := r.Retrieve(ctx, "g1", "fetch api")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, a, c)

	r.InvalidateGraph("g1")
	d, err := r.Retrieve(ctx, "g1", "fetch api")
	require.NoError(t, err)
	assert.NotSame(t, c, d)

	r.Clear()
	e, err := r.Retrieve(ctx, "g1", "fetch api")
	require.NoError(t, err)
	assert.NotSame(t, d, e)
}

func TestRetrieveCacheDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = 0
	r := NewRetriever(apiGraph(), nil, cfg, nil)

	a, err := r.Retrieve(context.Background(), "g1", "fetch api")
	require.NoError(t, err)
	b, err := r.Retrieve(context.Background(), "g1", "fetch api")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, a, b)
}

type stubEmbedder struct {
	vec []float32
	err error
}

func (s stubEmbedder) GenerateEmbedding(context.Context, string) ([]float32, error) {
	return s.vec, s.err
}
func (s stubEmbedder) Dimension() int    { return len(s.vec) }
func (s stubEmbedder) ModelName() string { return "stub" }

func TestRetrieveSurvivesEmbeddingFailure(t *testing.T) {
	r := NewRetriever(apiGraph(), stubEmbedder{err: errors.New("connection refused")}, DefaultConfig(), nil)
	c, err := r.Retrieve(context.Background(), "g1", "fetch api")
	require.NoError(t, err)
	assert.Equal(t, "fetch-api", c.RelevantNodes[0].Key)
}

func TestRetrieveUsesEmbeddingWhenAvailable(t *testing.T) {
	src := apiGraph()
	src.Put(graph.Snapshot{
		Graph: workflow.Graph{Key: "vec"},
		Nodes: []workflow.Node{{Key: "alpha"}, {Key: "beta"}},
		Embeddings: map[string][]float32{
			"alpha": {0, 1},
			"beta":  {1, 0},
		},
	})
	cfg := DefaultConfig()
	cfg.MaxNodes = 1
	r := NewRetriever(src, stubEmbedder{vec: []float32{1, 0}}, cfg, nil)

	c, err := r.Retrieve(context.Background(), "vec", "which step?")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, nodeKeys(c))
}

func TestRetrieveTruncatesProcessAndData(t *testing.T) {
	src := graph.NewMemorySource()
	src.Put(graph.Snapshot{
		Graph: workflow.Graph{Key: "g"},
		Nodes: []workflow.Node{{
			Key:     "long",
			Type:    "script",
			Process: strings.Repeat("é", 20),
			Data:    map[string]any{"body": strings.Repeat("x", 50)},
		}},
	})
	cfg := DefaultConfig()
	cfg.TruncateProcess = 10
	cfg.TruncateData = 12
	r := NewRetriever(src, nil, cfg, nil)

	c, err := r.Retrieve(context.Background(), "g", "long")
	require.NoError(t, err)
	n := c.RelevantNodes[0]
	assert.Equal(t, strings.Repeat("é", 10)+"…", n.Process)
	assert.Equal(t, `{"body":"xxx…`, n.DataSummary)
	assert.Empty(t, n.SheetName)
}

func TestRetrieveConcurrentCallers(t *testing.T) {
	r := NewRetriever(apiGraph(), nil, DefaultConfig(), nil)
	var wg sync.WaitGroup
	results := make([]*Context, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Retrieve(context.Background(), "g1", "fetch api")
			if err == nil {
				results[i] = c
			}
			if i%5 == 0 {
				r.InvalidateGraph("g1")
			}
		}()
	}
	wg.Wait()
	for _, c := range results {
		require.NotNil(t, c)
		assertEdgeClosure(t, c)
	}
}

func TestRetrieveReportsCacheOutcome(t *testing.T) {
	var seen []string
	r := NewRetriever(apiGraph(), nil, DefaultConfig(), nil, WithObserver(func(cache string, _ time.Duration) {
		seen = append(seen, cache)
	}))
	ctx := context.Background()
	_, err := r.Retrieve(ctx, "g1", "fetch api")
	require.NoError(t, err)
	_, err = r.Retrieve(ctx, "g1", "fetch api")
	require.NoError(t, err)
	_, err = r.Retrieve(ctx, "missing", "fetch api")
	require.Error(t, err)
	assert.Equal(t, []string{"miss", "hit"}, seen)
}

// gatedSource holds GetGraph until release is closed or ctx ends.
type gatedSource struct {
	*graph.MemorySource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSource) GetGraph(ctx context.Context, key string) (*workflow.Graph, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemorySource.GetGraph(ctx, key)
}

func TestRetrieveCancelledCallerDoesNotFailSharedBuild(t *testing.T) {
	src := &gatedSource{MemorySource: apiGraph(), entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRetriever(src, nil, DefaultConfig(), nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Retrieve(ctxA, "g1", "fetch api")
		errA <- err
	}()
	<-src.entered

	type result struct {
		c   *Context
		err error
	}
	resB := make(chan result, 1)
	go func() {
		c, err := r.Retrieve(context.Background(), "g1", "fetch api")
		resB <- result{c, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(src.release)
	select {
	case res := <-resB:
		require.NoError(t, res.err)
		assert.Equal(t, "fetch-api", res.c.RelevantNodes[0].Key)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
}

func TestRetrieveSweepsExpiredEntriesOnWrite(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Minute
	r := NewRetriever(apiGraph(), nil, cfg, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for _, q := range []string{"fetch api", "parse", "save"} {
		_, err := r.Retrieve(ctx, "g1", q)
		require.NoError(t, err)
	}
	require.Len(t, r.cache, 3)

	now = now.Add(2 * time.Minute)
	_, err := r.Retrieve(ctx, "g1", "start")
	require.NoError(t, err)
	assert.Len(t, r.cache, 1)
	assert.Contains(t, r.cache, cacheKey{graphKey: "g1", query: "start"})
}

func TestRetrieveCacheCapEvictsOldestEntry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Hour
	cfg.MaxCacheEntries = 2
	r := NewRetriever(apiGraph(), nil, cfg, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for _, q := range []string{"fetch api", "parse", "save"} {
		_, err := r.Retrieve(ctx, "g1", q)
		require.NoError(t, err)
		now = now.Add(time.Second)
	}
	assert.Len(t, r.cache, 2)
	assert.NotContains(t, r.cache, cacheKey{graphKey: "g1", query: "fetch api"})
	assert.Contains(t, r.cache, cacheKey{graphKey: "g1", query: "save"})
}
