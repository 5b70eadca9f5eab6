package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/graphpilot-backend/internal/data/graph"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfigYAMLThenEnv(t *testing.T) {
	path := writeFile(t, "graphpilot.yaml", `
port: "9000"
corsOrigins: ["https://app.example.com"]
ai:
  provider: deepseek
  maxToolRounds: 4
  maxCostUsd: 2.5
rag:
  maxNodes: 12
  cacheTtl: 90s
auth:
  jwtSecretKey: from-file
graphSnapshots: [a.json]
`)
	t.Setenv("AI_MAX_TOOL_ROUNDS", "6")
	t.Setenv("RAG_CACHE_TTL_MS", "1500")
	t.Setenv("JWT_SECRET_KEY", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, "deepseek", cfg.AI.Provider)
	assert.Equal(t, 6, cfg.AI.MaxToolRounds)
	assert.InDelta(t, 2.5, cfg.AI.MaxCostUSD, 1e-9)
	assert.Equal(t, 12, cfg.RAG.MaxNodes)
	assert.Equal(t, 1500*time.Millisecond, cfg.RAG.CacheTTL)
	assert.Equal(t, 500, cfg.RAG.TruncateProcess, "untouched keys keep defaults")
	assert.Equal(t, "from-env", cfg.Auth.JWTSecretKey)
	assert.Equal(t, []string{"a.json"}, cfg.GraphSnapshots)
}

func TestLoadConfigRequiresSecretUnlessAuthDisabled(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "")
	t.Setenv("AUTH_DISABLED", "")
	_, err := LoadConfig("")
	require.Error(t, err)

	t.Setenv("AUTH_DISABLED", "true")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Disabled)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoadConfigBadFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.yaml", "ai: [unclosed"))
	require.Error(t, err)
}

func TestLoadSnapshots(t *testing.T) {
	good := writeFile(t, "g1.json", `{"graph":{"key":"g1","name":"Orders"},"nodes":[{"key":"start","type":"trigger"}]}`)
	nokey := writeFile(t, "nokey.json", `{"graph":{"name":"x"}}`)

	src := graph.NewMemorySource()
	put := func(s graph.Snapshot) error { src.Put(s); return nil }
	require.NoError(t, loadSnapshots([]string{" ", good}, put))
	g, err := src.GetGraph(t.Context(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "Orders", g.Name)

	assert.Error(t, loadSnapshots([]string{nokey}, put))
	assert.Error(t, loadSnapshots([]string{"/does/not/exist.json"}, put))
}
