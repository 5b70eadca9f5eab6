package graphrag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSystemPrompt(t *testing.T) {
	r := NewRetriever(apiGraph(), nil, DefaultConfig(), nil)
	c, err := r.Retrieve(context.Background(), "g1", "fetch api")
	require.NoError(t, err)

	p := BuildSystemPrompt(c, PromptOptions{Role: "editor"})
	assert.Contains(t, p, "Name: Orders")
	assert.Contains(t, p, "- Ingest (s1)")
	assert.Contains(t, p, "- fetch-api (type api-call \"API Call\", sheet Ingest)")
	assert.Contains(t, p, "process: GET /orders")
	assert.Contains(t, p, "start.out -> fetch-api.in")
	assert.Contains(t, p, "user approves or rejects")
	assert.NotContains(t, p, "read-only access")
}

func TestBuildSystemPromptReadOnly(t *testing.T) {
	p := BuildSystemPrompt(&Context{Graph: GraphSummary{Key: "g", Name: "G"}}, PromptOptions{Role: "viewer", ReadOnly: true})
	assert.Contains(t, p, "read-only access")
	assert.NotContains(t, p, "mutating tool")
	assert.Contains(t, p, "(none)")
	assert.False(t, strings.HasSuffix(p, "\n"))
}

func TestBuildSystemPromptNilContext(t *testing.T) {
	p := BuildSystemPrompt(nil, PromptOptions{})
	assert.Contains(t, p, "## Rules")
	assert.NotContains(t, p, "## Graph")
}
