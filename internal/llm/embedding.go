package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

// EmbeddingProvider turns text into vectors for similarity search.
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
}

// Embedder calls an OpenAI-compatible /embeddings endpoint.
type Embedder struct {
	transport
	dimension atomic.Int32
}

var _ EmbeddingProvider = (*Embedder)(nil)

// NewEmbedder resolves an embedding-capable provider. With an empty
// cfg.Provider the first registry entry with embeddings and credentials wins.
func NewEmbedder(log *logger.Logger, cfg Config) (*Embedder, error) {
	info, t, err := resolve(log, cfg, true)
	if err != nil {
		return nil, err
	}
	if !info.SupportsEmbedding {
		return nil, fmt.Errorf("llm: provider %q does not serve embeddings", info.Name)
	}
	t.setHeaders = func(req *http.Request, apiKey string) {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	e := &Embedder{transport: t}
	e.dimension.Store(int32(info.EmbeddingDimension))
	return e, nil
}

// Dimension is the registry's declared size until the first response arrives.
func (e *Embedder) Dimension() int    { return int(e.dimension.Load()) }
func (e *Embedder) ModelName() string { return e.model }

func (e *Embedder) GenerateEmbedding(ctx context.Context, text string) (vec []float32, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%s: empty embedding input", e.provider)
	}
	ctx, span := e.startSpan(ctx, "llm.embedding", e.model, 1, 0)
	defer func() { endSpan(span, err) }()

	req := openai.EmbeddingRequest{Input: []string{text}, Model: openai.EmbeddingModel(e.model)}
	var out openai.EmbeddingResponse
	if err := e.doJSON(ctx, "/embeddings", req, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%s: embedding response has no vectors", e.provider)
	}
	vec = out.Data[0].Embedding
	e.dimension.CompareAndSwap(0, int32(len(vec)))

	tokens := out.Usage.PromptTokens
	if tokens == 0 {
		tokens = out.Usage.TotalTokens
	}
	if tokens > 0 {
		e.tracker.RecordEmbedding(e.provider, e.model, tokens, "embedding")
	}
	return vec, nil
}
