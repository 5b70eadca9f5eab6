package threads

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphpilot-backend/internal/data/graph"
	threadrepo "github.com/yungbote/graphpilot-backend/internal/data/repos/assistant"
	"github.com/yungbote/graphpilot-backend/internal/data/repos/testutil"
	types "github.com/yungbote/graphpilot-backend/internal/domain/assistant"
	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
	"github.com/yungbote/graphpilot-backend/internal/llm"
	"github.com/yungbote/graphpilot-backend/internal/llm/llmtest"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/agent"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/graphrag"
	"github.com/yungbote/graphpilot-backend/internal/pkg/dbctx"
	"github.com/yungbote/graphpilot-backend/internal/realtime"
	"github.com/yungbote/graphpilot-backend/internal/realtime/bus"
)

type harness struct {
	src      *graph.MemorySource
	provider *llmtest.Provider
	deps     AgentDeps
}

func newHarness(responses ...*llm.Response) *harness {
	src := graph.NewMemorySource()
	src.Put(graph.Snapshot{
		Graph: workflow.Graph{Key: "g1", Name: "Orders"},
		Nodes: []workflow.Node{
			{Key: "start", Type: "trigger"},
			{Key: "fetch-api", Type: "api-call"},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "fetch-api"}},
	})
	p := llmtest.New(responses...)
	retriever := graphrag.NewRetriever(src, nil, graphrag.DefaultConfig(), nil)
	tools := agent.DefaultToolSet(src)
	exec := agent.NewGraphActionExecutor(src)
	return &harness{
		src:      src,
		provider: p,
		deps: AgentDeps{NewAgent: func(cfg agent.Config) (*agent.Agent, error) {
			return agent.New(cfg, agent.Deps{Provider: p, Retriever: retriever, Tools: tools, Executor: exec})
		}},
	}
}

type failingRepo struct {
	threadrepo.ThreadRepo
}

func (failingRepo) Ping(context.Context) error { return errors.New("connection refused") }

type brokenListRepo struct {
	threadrepo.ThreadRepo
}

func (r brokenListRepo) ListByGraph(dbctx.Context, string, string, int) ([]*types.ThreadDocument, error) {
	return nil, errors.New("boom")
}

func TestGenerateThreadIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^thread_\d{13}_\d+_[0-9a-f]{8}$`)
	seen := map[string]bool{}
	for range 50 {
		id := GenerateThreadID()
		require.Regexp(t, re, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestMemoryOnlyMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(llmtest.Text("hi"))

	for _, s := range []*Store{
		NewStore(ctx, nil, nil, nil, Config{}),
		NewStore(ctx, failingRepo{}, nil, nil, Config{}),
	} {
		assert.False(t, s.Durable())

		th, err := s.Create(ctx, "g1", "ws", "u1", h.deps)
		require.NoError(t, err)
		got, ok := s.Get(th.ThreadID)
		require.True(t, ok)
		assert.Same(t, th, got)

		s.Save(ctx, th)
		require.NoError(t, s.Delete(ctx, th.ThreadID))
		_, ok = s.Get(th.ThreadID)
		assert.False(t, ok)

		_, err = s.LoadThread(ctx, th.ThreadID, h.deps)
		assert.ErrorIs(t, err, ErrThreadNotFound)
	}
}

func TestCreateRequiresFactory(t *testing.T) {
	s := NewStore(context.Background(), nil, nil, nil, Config{})
	_, err := s.Create(context.Background(), "g1", "", "u1", AgentDeps{})
	assert.Error(t, err)
}

func TestLoadThreadReconstructsPendingInterrupt(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := threadrepo.NewThreadRepo(db, testutil.Logger(t))

	h := newHarness(
		llmtest.Calls(llmtest.Call("c1", "delete_node", map[string]any{"nodeKey": "start", "reason": "unused"})),
		llmtest.Text("Deleted start."),
	)
	writer := NewStore(ctx, repo, nil, nil, Config{InstanceID: "a"})
	require.True(t, writer.Durable())

	th, err := writer.Create(ctx, "g1", "ws", "u1", h.deps)
	require.NoError(t, err)
	res, err := th.Agent.Chat(ctx, "remove the start node")
	require.NoError(t, err)
	require.Equal(t, agent.ResultInterrupt, res.Type)
	writer.Save(ctx, th)

	// a second instance with an empty cache
	reader := NewStore(ctx, repo, nil, nil, Config{InstanceID: "b"})
	_, ok := reader.Get(th.ThreadID)
	require.False(t, ok, "Get never touches storage")

	loaded, err := reader.LoadThread(ctx, th.ThreadID, h.deps)
	require.NoError(t, err)
	assert.Equal(t, "g1", loaded.GraphKey)
	assert.Equal(t, "ws", loaded.Workspace)
	assert.Equal(t, "u1", loaded.UserID)
	assert.Equal(t, th.Agent.History(), loaded.Agent.History())
	assert.Equal(t, agent.StateAwaitingApproval, loaded.Agent.State())

	want := th.Agent.PendingInterrupt()
	got := loaded.Agent.PendingInterrupt()
	require.NotNil(t, got)
	assert.Equal(t, want.ToolCall, got.ToolCall)
	assert.Equal(t, want.Action.Type, got.Action.Type)
	assert.Equal(t, "start", got.Action.Target.NodeKey)

	again, err := reader.LoadThread(ctx, th.ThreadID, h.deps)
	require.NoError(t, err)
	assert.Same(t, loaded, again, "second load is served from cache")

	res, err = loaded.Agent.ResumeConversation(ctx, true, "")
	require.NoError(t, err)
	assert.Equal(t, "Deleted start.", res.Message)
	_, err = h.src.GetNodeByKey(ctx, "g1", "start")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestLoadThreadMissing(t *testing.T) {
	ctx := context.Background()
	repo := threadrepo.NewThreadRepo(testutil.DB(t), nil)
	s := NewStore(ctx, repo, nil, nil, Config{})
	_, err := s.LoadThread(ctx, "thread_missing", newHarness().deps)
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestLoadThreadConcurrentCallersShareOneThread(t *testing.T) {
	ctx := context.Background()
	repo := threadrepo.NewThreadRepo(testutil.SQLite(t), nil)
	h := newHarness(llmtest.Text("hi"))
	writer := NewStore(ctx, repo, nil, nil, Config{})
	th, err := writer.Create(ctx, "g1", "", "u1", h.deps)
	require.NoError(t, err)
	_, err = th.Agent.Chat(ctx, "hello")
	require.NoError(t, err)
	writer.Save(ctx, th)

	reader := NewStore(ctx, repo, nil, nil, Config{})
	var wg sync.WaitGroup
	results := make([]*Thread, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = reader.LoadThread(ctx, th.ThreadID, h.deps)
		}()
	}
	wg.Wait()
	for _, r := range results {
		require.NotNil(t, r)
		assert.Same(t, results[0], r)
	}
}

func TestListByGraphMergesCacheAndStorage(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := threadrepo.NewThreadRepo(db, nil)

	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	testutil.SeedThread(t, ctx, db, "thread_stored_old", "g1", "ws", base)
	testutil.SeedThread(t, ctx, db, "thread_shadowed", "g1", "ws", base.Add(time.Minute))
	testutil.SeedThread(t, ctx, db, "thread_other_graph", "g2", "ws", base.Add(time.Hour))

	clock := base.Add(10 * time.Minute)
	s := NewStore(ctx, repo, nil, nil, Config{}, WithClock(func() time.Time { return clock }))
	h := newHarness()
	fresh, err := s.Create(ctx, "g1", "ws", "u1", h.deps)
	require.NoError(t, err)

	// a cached copy of a stored thread with a newer timestamp wins
	shadow, err := s.LoadThread(ctx, "thread_shadowed", h.deps)
	require.NoError(t, err)
	clock = base.Add(20 * time.Minute)
	s.mu.Lock()
	shadow.LastUpdatedTime = clock
	s.mu.Unlock()

	list := s.ListByGraph(ctx, "g1", "ws")
	ids := make([]string, 0, len(list))
	for _, sm := range list {
		ids = append(ids, sm.ThreadID)
	}
	assert.Equal(t, []string{"thread_shadowed", fresh.ThreadID, "thread_stored_old"}, ids)
	assert.Equal(t, clock, list[0].LastUpdatedTime)

	assert.Empty(t, s.ListByGraph(ctx, "g1", "other-ws"))
}

func TestListByGraphFallsBackToCacheOnStorageError(t *testing.T) {
	ctx := context.Background()
	repo := threadrepo.NewThreadRepo(testutil.SQLite(t), nil)
	s := NewStore(ctx, brokenListRepo{ThreadRepo: repo}, nil, nil, Config{})
	require.True(t, s.Durable())
	th, err := s.Create(ctx, "g1", "", "u1", newHarness().deps)
	require.NoError(t, err)

	list := s.ListByGraph(ctx, "g1", "")
	require.Len(t, list, 1)
	assert.Equal(t, th.ThreadID, list[0].ThreadID)
}

func TestDeleteRemovesStoredThread(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := threadrepo.NewThreadRepo(db, nil)
	s := NewStore(ctx, repo, nil, nil, Config{})
	h := newHarness()

	th, err := s.Create(ctx, "g1", "", "u1", h.deps)
	require.NoError(t, err)
	s.Save(ctx, th)
	doc, err := repo.Get(dbctx.New(ctx), th.ThreadID)
	require.NoError(t, err)
	require.NotNil(t, doc)

	require.NoError(t, s.Delete(ctx, th.ThreadID))
	doc, err = repo.Get(dbctx.New(ctx), th.ThreadID)
	require.NoError(t, err)
	assert.Nil(t, doc)
	require.NoError(t, s.Delete(ctx, th.ThreadID), "deleting twice is fine")
}

func TestRemoteEventsEvictCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemoryBus()
	repo := threadrepo.NewThreadRepo(testutil.SQLite(t), nil)
	h := newHarness()

	a := NewStore(ctx, repo, b, nil, Config{InstanceID: "a"})
	other := NewStore(ctx, repo, b, nil, Config{InstanceID: "b"})
	require.NoError(t, a.StartSync(ctx))
	require.NoError(t, other.StartSync(ctx))

	th, err := a.Create(ctx, "g1", "", "u1", h.deps)
	require.NoError(t, err)
	a.Save(ctx, th)
	_, ok := a.Get(th.ThreadID)
	assert.True(t, ok, "own events do not evict")

	loaded, err := other.LoadThread(ctx, th.ThreadID, h.deps)
	require.NoError(t, err)
	a.Save(ctx, th)
	_, ok = other.Get(th.ThreadID)
	assert.False(t, ok, "update from another instance evicts")

	reloaded, err := other.LoadThread(ctx, th.ThreadID, h.deps)
	require.NoError(t, err)
	assert.NotSame(t, loaded, reloaded)

	other.Save(ctx, reloaded)
	_, ok = a.Get(th.ThreadID)
	assert.False(t, ok)

	var seen []realtime.EventType
	require.NoError(t, b.StartForwarder(ctx, func(ev realtime.Event) { seen = append(seen, ev.Type) }))
	require.NoError(t, other.Delete(ctx, th.ThreadID))
	assert.Equal(t, []realtime.EventType{realtime.EventThreadDeleted}, seen)
}

type upsertFailRepo struct {
	threadrepo.ThreadRepo
}

func (upsertFailRepo) Upsert(dbctx.Context, *types.ThreadDocument) error {
	return errors.New("deadlock detected")
}

func TestSaveSwallowsStorageFailureAndKeepsCache(t *testing.T) {
	ctx := context.Background()
	repo := threadrepo.NewThreadRepo(testutil.SQLite(t), nil)
	clock := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(ctx, upsertFailRepo{ThreadRepo: repo}, nil, nil, Config{IdleTTL: time.Minute},
		WithClock(func() time.Time { return clock }))
	require.True(t, s.Durable())

	h := newHarness(llmtest.Text("hi there"))
	th, err := s.Create(ctx, "g1", "ws", "u1", h.deps)
	require.NoError(t, err)
	_, err = th.Agent.Chat(ctx, "hello")
	require.NoError(t, err)

	assert.NotPanics(t, func() { s.Save(ctx, th) })

	doc, err := repo.Get(dbctx.New(ctx), th.ThreadID)
	require.NoError(t, err)
	assert.Nil(t, doc)

	// an unsaved thread outlives the idle sweep
	clock = clock.Add(time.Hour)
	_, err = s.Create(ctx, "g1", "ws", "u2", h.deps)
	require.NoError(t, err)

	got, ok := s.Get(th.ThreadID)
	require.True(t, ok)
	assert.Same(t, th, got)
	loaded, err := s.LoadThread(ctx, th.ThreadID, h.deps)
	require.NoError(t, err)
	assert.Same(t, th, loaded)

	history := loaded.Agent.History()
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "hi there", history[len(history)-1].Content)
}

func TestIdleStoredThreadsAreEvictedAndReloaded(t *testing.T) {
	ctx := context.Background()
	repo := threadrepo.NewThreadRepo(testutil.SQLite(t), nil)
	clock := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(ctx, repo, nil, nil, Config{IdleTTL: 10 * time.Minute},
		WithClock(func() time.Time { return clock }))
	h := newHarness(llmtest.Text("hi"))

	th, err := s.Create(ctx, "g1", "", "u1", h.deps)
	require.NoError(t, err)
	_, err = th.Agent.Chat(ctx, "hello")
	require.NoError(t, err)
	s.Save(ctx, th)

	clock = clock.Add(11 * time.Minute)
	_, err = s.Create(ctx, "g1", "", "u2", h.deps)
	require.NoError(t, err)
	_, ok := s.Get(th.ThreadID)
	assert.False(t, ok)

	reloaded, err := s.LoadThread(ctx, th.ThreadID, h.deps)
	require.NoError(t, err)
	assert.NotSame(t, th, reloaded)
	assert.Equal(t, th.Agent.History(), reloaded.Agent.History())
}

func TestMemoryOnlyThreadsAreNeverEvicted(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(ctx, nil, nil, nil, Config{IdleTTL: time.Minute}, WithClock(func() time.Time { return clock }))
	h := newHarness()

	th, err := s.Create(ctx, "g1", "", "u1", h.deps)
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	_, err = s.Create(ctx, "g1", "", "u2", h.deps)
	require.NoError(t, err)
	_, ok := s.Get(th.ThreadID)
	assert.True(t, ok)
}

// gatedRepo holds Get until release is closed or ctx ends.
type gatedRepo struct {
	threadrepo.ThreadRepo
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedRepo) Get(dbc dbctx.Context, key string) (*types.ThreadDocument, error) {
	r.once.Do(func() { close(r.entered) })
	select {
	case <-r.release:
	case <-dbc.Ctx.Done():
		return nil, dbc.Ctx.Err()
	}
	return r.ThreadRepo.Get(dbc, key)
}

func TestLoadThreadCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	ctx := context.Background()
	repo := threadrepo.NewThreadRepo(testutil.SQLite(t), nil)
	h := newHarness(llmtest.Text("hi"))
	writer := NewStore(ctx, repo, nil, nil, Config{})
	th, err := writer.Create(ctx, "g1", "", "u1", h.deps)
	require.NoError(t, err)
	writer.Save(ctx, th)

	gated := &gatedRepo{ThreadRepo: repo, entered: make(chan struct{}), release: make(chan struct{})}
	reader := NewStore(ctx, gated, nil, nil, Config{})

	ctxA, cancelA := context.WithCancel(ctx)
	errA := make(chan error, 1)
	go func() {
		_, err := reader.LoadThread(ctxA, th.ThreadID, h.deps)
		errA <- err
	}()
	<-gated.entered

	type result struct {
		t   *Thread
		err error
	}
	resB := make(chan result, 1)
	go func() {
		got, err := reader.LoadThread(ctx, th.ThreadID, h.deps)
		resB <- result{got, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(gated.release)
	select {
	case res := <-resB:
		require.NoError(t, res.err)
		assert.Equal(t, th.ThreadID, res.t.ThreadID)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
}
