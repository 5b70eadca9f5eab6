package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	assert.Nil(t, ParseHeaders(""))
	assert.Nil(t, ParseHeaders("novalue=, =nokey, junk"))
	assert.Equal(t, map[string]string{"api-key": "abc", "x-team": "ai"}, ParseHeaders(" api-key = abc ,x-team=ai,bad"))
}

func TestClampRatio(t *testing.T) {
	assert.Equal(t, 0.0, clampRatio(-1))
	assert.Equal(t, 0.25, clampRatio(0.25))
	assert.Equal(t, 1.0, clampRatio(7))
}

func TestInitOTelDisabledIsNoop(t *testing.T) {
	shutdown := InitOTel(context.Background(), nil, OtelConfig{ServiceName: "graphpilot"})
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestOtelConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SAMPLER_RATIO", "0.5")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "k=v")
	cfg := OtelConfigFromEnv("graphpilot", "test", "v1")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 0.5, cfg.SampleRatio)
	assert.Equal(t, "collector:4318", cfg.Endpoint)
	assert.Equal(t, map[string]string{"k": "v"}, cfg.Headers)
	assert.Equal(t, "v1", cfg.Version)
}
