// Package llm is the vendor-neutral chat interface used by the assistant.
// Concrete adapters exist per wire family; which one a provider name maps to
// is decided by the registry alone.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/yungbote/graphpilot-backend/internal/llm/registry"
	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

type Provider interface {
	ChatCompletion(ctx context.Context, messages []Message, opts Options) (*Response, error)
	ChatCompletionWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Response, error)
	StreamCompletionWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Stream, error)
	Model() string
	ProviderName() string
}

type Config struct {
	// Provider is a registry name. Empty means auto-detect from credentials.
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature *float32
	Timeout     time.Duration

	Registry   *registry.Registry
	Tracker    *usage.Tracker
	HTTPClient *http.Client
	LookupEnv  registry.LookupEnv
}

// New builds the adapter for cfg.Provider's wire family.
func New(log *logger.Logger, cfg Config) (Provider, error) {
	info, t, err := resolve(log, cfg, false)
	if err != nil {
		return nil, err
	}
	switch info.Family {
	case registry.FamilyAnthropic:
		return newAnthropic(t), nil
	case registry.FamilyOpenAICompatible:
		return newOpenAICompatible(t), nil
	default:
		return nil, fmt.Errorf("llm: provider %q has unsupported family %q", info.Name, info.Family)
	}
}

// NewFromEnv reads AI_PROVIDER / AI_MODEL and the provider's credential.
func NewFromEnv(log *logger.Logger, reg *registry.Registry, tracker *usage.Tracker) (Provider, error) {
	return New(log, Config{
		Provider: os.Getenv("AI_PROVIDER"),
		Model:    os.Getenv("AI_MODEL"),
		Registry: reg,
		Tracker:  tracker,
	})
}

func resolve(log *logger.Logger, cfg Config, embedding bool) (registry.ProviderInfo, transport, error) {
	reg := cfg.Registry
	if reg == nil {
		reg = registry.Default()
	}
	if log == nil {
		log = logger.Nop()
	}

	var (
		info registry.ProviderInfo
		ok   bool
	)
	name := strings.TrimSpace(cfg.Provider)
	switch {
	case name != "":
		info, ok = reg.Lookup(name)
		if !ok {
			return info, transport{}, fmt.Errorf("llm: unknown provider %q (known: %s)", name, strings.Join(reg.Names(), ", "))
		}
	case embedding:
		info, ok = reg.DetectEmbeddingProvider(cfg.LookupEnv)
		if !ok {
			return info, transport{}, fmt.Errorf("llm: no embedding provider credentials found")
		}
	default:
		info, ok = reg.DetectProvider(cfg.LookupEnv)
		if !ok {
			return info, transport{}, fmt.Errorf("llm: no provider credentials found")
		}
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = info.APIKey(cfg.LookupEnv)
	}
	if apiKey == "" {
		return info, transport{}, fmt.Errorf("llm: %s is not set", info.CredentialEnv)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(firstNonEmpty(cfg.BaseURL, info.BaseURL)), "/")
	if baseURL == "" {
		return info, transport{}, fmt.Errorf("llm: provider %q has no base url", info.Name)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = info.DefaultModel
		if embedding {
			model = info.EmbeddingModel
		}
	}

	tracker := cfg.Tracker
	if tracker == nil {
		tracker = usage.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return info, transport{
		provider:    info.Name,
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
		httpClient:  httpClient,
		tracker:     tracker,
		log:         log.With("service", "llm", "provider", info.Name),
	}, nil
}
