package agent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphpilot-backend/internal/data/graph"
	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
	"github.com/yungbote/graphpilot-backend/internal/llm"
	"github.com/yungbote/graphpilot-backend/internal/llm/llmtest"
	"github.com/yungbote/graphpilot-backend/internal/modules/assistant/graphrag"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

var (
	text  = llmtest.Text
	calls = llmtest.Calls
	call  = llmtest.Call
)

func testGraph() *graph.MemorySource {
	src := graph.NewMemorySource()
	src.Put(graph.Snapshot{
		Graph: workflow.Graph{Key: "g1", Name: "Orders", Sheets: map[string]string{"s1": "Main"}},
		Nodes: []workflow.Node{
			{Key: "start", Type: "trigger", Sheet: "s1"},
			{Key: "fetch-api", Type: "api-call", Sheet: "s1", Process: "GET /orders"},
		},
		Edges: []workflow.Edge{
			{Source: "start", SourceHandle: "out", Target: "fetch-api", TargetHandle: "in"},
		},
		NodeConfigs: []workflow.NodeConfig{{Key: "api-call", DisplayName: "API Call"}},
	})
	return src
}

type fixture struct {
	src      *graph.MemorySource
	provider *llmtest.Provider
	agent    *Agent
}

func newFixture(t *testing.T, role string, log *logger.Logger, responses ...*llm.Response) *fixture {
	t.Helper()
	src := testGraph()
	p := llmtest.New(responses...)
	a, err := New(Config{GraphKey: "g1", ThreadID: "t1", Role: role}, Deps{
		Provider:  p,
		Retriever: graphrag.NewRetriever(src, nil, graphrag.DefaultConfig(), nil),
		Tools:     DefaultToolSet(src),
		Executor:  NewGraphActionExecutor(src),
		Log:       log,
	})
	require.NoError(t, err)
	return &fixture{src: src, provider: p, agent: a}
}
