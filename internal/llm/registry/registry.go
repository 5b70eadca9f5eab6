// Package registry is the single catalogue of LLM vendors the backend can talk
// to: wire family, endpoint, default model, credentials and pricing.
package registry

import (
	"os"
	"strings"
	"sync"
)

type Family string

const (
	FamilyOpenAICompatible Family = "openai_compatible"
	FamilyAnthropic        Family = "anthropic"
)

// Pricing is expressed in USD per one million tokens.
type Pricing struct {
	Input       float64 `json:"input" yaml:"input"`
	CachedInput float64 `json:"cachedInput" yaml:"cached_input"`
	Output      float64 `json:"output" yaml:"output"`
	Embedding   float64 `json:"embedding,omitempty" yaml:"embedding"`
	// CacheWrite prices prompt tokens written to the cache. Zero means the
	// plain input rate.
	CacheWrite float64 `json:"cacheWrite,omitempty" yaml:"cache_write"`
}

type ProviderInfo struct {
	Name               string             `yaml:"name"`
	Family             Family             `yaml:"family"`
	BaseURL            string             `yaml:"base_url"`
	DefaultModel       string             `yaml:"default_model"`
	Pricing            Pricing            `yaml:"pricing"`
	ModelPricing       map[string]Pricing `yaml:"model_pricing"`
	CredentialEnv      string             `yaml:"credential_env"`
	SupportsEmbedding  bool               `yaml:"supports_embedding"`
	EmbeddingModel     string             `yaml:"embedding_model"`
	EmbeddingDimension int                `yaml:"embedding_dimension"`
}

// DefaultPricingProvider is used when pricing is requested for a name the
// registry does not know.
const DefaultPricingProvider = "deepseek"

var builtins = []ProviderInfo{
	{
		Name:          "deepseek",
		Family:        FamilyOpenAICompatible,
		BaseURL:       "https://api.deepseek.com",
		DefaultModel:  "deepseek-chat",
		Pricing:       Pricing{Input: 0.28, CachedInput: 0.028, Output: 0.42},
		CredentialEnv: "DEEPSEEK_API_KEY",
	},
	{
		Name:         "openai",
		Family:       FamilyOpenAICompatible,
		BaseURL:      "https://api.openai.com/v1",
		DefaultModel: "gpt-4o-mini",
		Pricing:      Pricing{Input: 0.15, CachedInput: 0.075, Output: 0.60, Embedding: 0.02},
		ModelPricing: map[string]Pricing{
			"gpt-4o":                 {Input: 2.50, CachedInput: 1.25, Output: 10.00},
			"gpt-4.1-mini":           {Input: 0.40, CachedInput: 0.10, Output: 1.60},
			"text-embedding-3-large": {Embedding: 0.13},
		},
		CredentialEnv:      "OPENAI_API_KEY",
		SupportsEmbedding:  true,
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingDimension: 1536,
	},
	{
		Name:          "anthropic",
		Family:        FamilyAnthropic,
		BaseURL:       "https://api.anthropic.com",
		DefaultModel:  "claude-3-5-sonnet-latest",
		Pricing:       Pricing{Input: 3.00, CachedInput: 0.30, Output: 15.00, CacheWrite: 3.75},
		CredentialEnv: "ANTHROPIC_API_KEY",
		ModelPricing: map[string]Pricing{
			"claude-3-5-haiku-latest": {Input: 0.80, CachedInput: 0.08, Output: 4.00, CacheWrite: 1.00},
		},
	},
	{
		Name:               "qwen",
		Family:             FamilyOpenAICompatible,
		BaseURL:            "https://dashscope.aliyuncs.com/compatible-mode/v1",
		DefaultModel:       "qwen-plus",
		Pricing:            Pricing{Input: 0.40, CachedInput: 0.08, Output: 1.20, Embedding: 0.07},
		CredentialEnv:      "DASHSCOPE_API_KEY",
		SupportsEmbedding:  true,
		EmbeddingModel:     "text-embedding-v3",
		EmbeddingDimension: 1024,
	},
}

// Registry is an ordered set of providers. Order matters for auto-detection.
type Registry struct {
	mu      sync.RWMutex
	entries []ProviderInfo
	index   map[string]int
}

// New returns a registry seeded with the built-in providers.
func New() *Registry {
	r := &Registry{index: map[string]int{}}
	for _, p := range builtins {
		r.Register(p)
	}
	return r
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default is the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = New() })
	return defaultReg
}

// Register appends a provider, or replaces an existing entry in place so its
// detection order is kept.
func (r *Registry) Register(p ProviderInfo) {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if p.Name == "" {
		return
	}
	if p.Family == "" {
		p.Family = FamilyOpenAICompatible
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[p.Name]; ok {
		r.entries[i] = p
		return
	}
	r.index[p.Name] = len(r.entries)
	r.entries = append(r.entries, p)
}

func (r *Registry) Lookup(name string) (ProviderInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ProviderInfo{}, false
	}
	return r.entries[i], true
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p.Name)
	}
	return out
}

// PricingFor resolves the rates for a provider/model pair. Unknown providers
// get the default entry's pricing; unknown models get the provider's base rates.
func (r *Registry) PricingFor(provider, model string) Pricing {
	p, ok := r.Lookup(provider)
	if !ok {
		p, ok = r.Lookup(DefaultPricingProvider)
		if !ok {
			return Pricing{}
		}
	}
	if mp, ok := p.ModelPricing[strings.TrimSpace(model)]; ok {
		return mp
	}
	return p.Pricing
}

// LookupEnv matches os.LookupEnv; tests pass a map-backed function.
type LookupEnv func(key string) (string, bool)

func credentialSet(lookup LookupEnv, key string) bool {
	if key == "" {
		return false
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	return ok && strings.TrimSpace(v) != ""
}

// DetectProvider returns the first provider, in declared order, whose
// credential variable is set.
func (r *Registry) DetectProvider(lookup LookupEnv) (ProviderInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.entries {
		if credentialSet(lookup, p.CredentialEnv) {
			return p, true
		}
	}
	return ProviderInfo{}, false
}

// DetectEmbeddingProvider is DetectProvider restricted to providers that
// serve embeddings.
func (r *Registry) DetectEmbeddingProvider(lookup LookupEnv) (ProviderInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.entries {
		if p.SupportsEmbedding && credentialSet(lookup, p.CredentialEnv) {
			return p, true
		}
	}
	return ProviderInfo{}, false
}

// APIKey reads the provider's credential from the environment.
func (p ProviderInfo) APIKey(lookup LookupEnv) string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, _ := lookup(p.CredentialEnv)
	return strings.TrimSpace(v)
}
