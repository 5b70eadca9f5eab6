package usage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yungbote/graphpilot-backend/internal/llm/registry"
)

// Entry is one recorded call. Entries are never mutated after Record.
type Entry struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Label            string    `json:"label,omitempty"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	CachedTokens     int       `json:"cachedTokens"`
	CacheWriteTokens int       `json:"cacheWriteTokens,omitempty"`
	TotalTokens      int       `json:"totalTokens"`
	Cost             float64   `json:"cost"`
	Embedding        bool      `json:"embedding,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

type ModelSummary struct {
	Calls        int     `json:"calls"`
	TotalTokens  int     `json:"totalTokens"`
	CachedTokens int     `json:"cachedTokens"`
	Cost         float64 `json:"cost"`
}

type Summary struct {
	Calls                int                     `json:"calls"`
	PromptTokens         int                     `json:"promptTokens"`
	CompletionTokens     int                     `json:"completionTokens"`
	CachedTokens         int                     `json:"cachedTokens"`
	TotalTokens          int                     `json:"totalTokens"`
	TotalCost            float64                 `json:"totalCost"`
	AverageTokensPerCall float64                 `json:"averageTokensPerCall"`
	AverageCostPerCall   float64                 `json:"averageCostPerCall"`
	CacheHitRate         float64                 `json:"cacheHitRate"`
	ByModel              map[string]ModelSummary `json:"byModel"`
}

type Limits struct {
	MaxTokensPerCall int
	MaxTotalTokens   int
	MaxCostUSD       float64
}

const (
	LimitTokensPerCall = "maxTokensPerCall"
	LimitTotalTokens   = "maxTotalTokens"
	LimitCostUSD       = "maxCostUSD"
)

// CallLimitError is returned by CheckCallLimit before a request is issued.
type CallLimitError struct {
	Tokens int
	Limit  int
}

func (e *CallLimitError) Error() string {
	return fmt.Sprintf("call exceeds token limit: %d > %d", e.Tokens, e.Limit)
}

type LimitListener func(limit string, actual, limitValue float64)

// RecordListener observes every appended entry (metrics export).
type RecordListener func(Entry)

type Option func(*Tracker)

// WithPricing forces one set of rates for every call, regardless of provider.
func WithPricing(p registry.Pricing) Option {
	return func(t *Tracker) { t.override = &p }
}

func WithLimits(l Limits) Option {
	return func(t *Tracker) { t.limits = l }
}

func WithRegistry(r *registry.Registry) Option {
	return func(t *Tracker) {
		if r != nil {
			t.reg = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

type Tracker struct {
	mu       sync.RWMutex
	entries  []Entry
	totalTok int
	totalUSD float64

	limits   Limits
	override *registry.Pricing
	reg      *registry.Registry
	now      func() time.Time

	lmu            sync.RWMutex
	limitListeners []LimitListener
	recordHooks    []RecordListener
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{reg: registry.Default(), now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

var (
	defaultOnce    sync.Once
	defaultTracker *Tracker
)

// Default is a process-wide tracker for callers that do not inject one.
func Default() *Tracker {
	defaultOnce.Do(func() { defaultTracker = NewTracker() })
	return defaultTracker
}

func (t *Tracker) Limits() Limits { return t.limits }

func (t *Tracker) pricing(provider, model string) registry.Pricing {
	if t.override != nil {
		return *t.override
	}
	return t.reg.PricingFor(provider, model)
}

// ChatCost applies the cached-input discount to the prompt portion. Cache
// writes are a subset of the uncached prompt billed at p.CacheWrite when set.
func ChatCost(u Usage, p registry.Pricing) float64 {
	cached := u.CachedTokens()
	uncached := max(u.PromptTokens-cached, 0)
	writes := min(max(u.CacheWriteTokens, 0), uncached)
	writeRate := p.CacheWrite
	if writeRate == 0 {
		writeRate = p.Input
	}
	return float64(uncached-writes)/1e6*p.Input +
		float64(writes)/1e6*writeRate +
		float64(cached)/1e6*p.CachedInput +
		float64(u.CompletionTokens)/1e6*p.Output
}

func EmbeddingCost(tokens int, p registry.Pricing) float64 {
	return float64(tokens) / 1e6 * p.Embedding
}

// Record appends one chat call and returns the stored entry.
func (t *Tracker) Record(provider, model string, u Usage, label string) Entry {
	e := Entry{
		Provider:         provider,
		Model:            model,
		Label:            label,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CachedTokens:     u.CachedTokens(),
		CacheWriteTokens: u.CacheWriteTokens,
		TotalTokens:      u.Total(),
		Cost:             ChatCost(u, t.pricing(provider, model)),
		Timestamp:        t.now(),
	}
	t.append(e)
	return e
}

// RecordEmbedding appends one embedding call billed at the single embedding rate.
func (t *Tracker) RecordEmbedding(provider, model string, tokens int, label string) Entry {
	e := Entry{
		Provider:     provider,
		Model:        model,
		Label:        label,
		PromptTokens: tokens,
		TotalTokens:  tokens,
		Cost:         EmbeddingCost(tokens, t.pricing(provider, model)),
		Embedding:    true,
		Timestamp:    t.now(),
	}
	t.append(e)
	return e
}

func (t *Tracker) append(e Entry) {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.totalTok += e.TotalTokens
	t.totalUSD += e.Cost
	totalTok, totalUSD := t.totalTok, t.totalUSD
	t.mu.Unlock()

	t.lmu.RLock()
	hooks := append([]RecordListener(nil), t.recordHooks...)
	listeners := append([]LimitListener(nil), t.limitListeners...)
	t.lmu.RUnlock()

	for _, h := range hooks {
		h(e)
	}
	if t.limits.MaxTotalTokens > 0 && totalTok > t.limits.MaxTotalTokens {
		for _, l := range listeners {
			l(LimitTotalTokens, float64(totalTok), float64(t.limits.MaxTotalTokens))
		}
	}
	if t.limits.MaxCostUSD > 0 && totalUSD > t.limits.MaxCostUSD {
		for _, l := range listeners {
			l(LimitCostUSD, totalUSD, t.limits.MaxCostUSD)
		}
	}
}

// CheckCallLimit fails when tokenCount is strictly above the per-call ceiling.
// It has no side effects.
func (t *Tracker) CheckCallLimit(tokenCount int) error {
	if t.limits.MaxTokensPerCall > 0 && tokenCount > t.limits.MaxTokensPerCall {
		return &CallLimitError{Tokens: tokenCount, Limit: t.limits.MaxTokensPerCall}
	}
	return nil
}

func (t *Tracker) OnLimitExceeded(fn LimitListener) {
	if fn == nil {
		return
	}
	t.lmu.Lock()
	t.limitListeners = append(t.limitListeners, fn)
	t.lmu.Unlock()
}

func (t *Tracker) OnRecord(fn RecordListener) {
	if fn == nil {
		return
	}
	t.lmu.Lock()
	t.recordHooks = append(t.recordHooks, fn)
	t.lmu.Unlock()
}

func (t *Tracker) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Summary{ByModel: map[string]ModelSummary{}}
	for _, e := range t.entries {
		s.Calls++
		s.PromptTokens += e.PromptTokens
		s.CompletionTokens += e.CompletionTokens
		s.CachedTokens += e.CachedTokens
		s.TotalTokens += e.TotalTokens
		s.TotalCost += e.Cost

		m := s.ByModel[e.Model]
		m.Calls++
		m.TotalTokens += e.TotalTokens
		m.CachedTokens += e.CachedTokens
		m.Cost += e.Cost
		s.ByModel[e.Model] = m
	}
	if s.Calls > 0 {
		s.AverageTokensPerCall = float64(s.TotalTokens) / float64(s.Calls)
		s.AverageCostPerCall = s.TotalCost / float64(s.Calls)
	}
	if s.PromptTokens > 0 {
		s.CacheHitRate = float64(s.CachedTokens) / float64(s.PromptTokens)
	}
	return s
}

// Models lists models seen so far, most expensive first.
func (t *Tracker) Models() []string {
	s := t.Summary()
	out := make([]string, 0, len(s.ByModel))
	for m := range s.ByModel {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := s.ByModel[out[i]].Cost, s.ByModel[out[j]].Cost
		if ci != cj {
			return ci > cj
		}
		return out[i] < out[j]
	})
	return out
}

// Reset drops all entries. Listeners stay registered.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.entries = nil
	t.totalTok = 0
	t.totalUSD = 0
	t.mu.Unlock()
}
