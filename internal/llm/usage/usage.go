// Package usage meters the token consumption and USD cost of provider calls.
package usage

// Usage is the token report returned by a chat call. Vendors disagree on how
// cache hits are reported, so both the flat and the nested form decode here.
type Usage struct {
	PromptTokens         int                  `json:"prompt_tokens"`
	CompletionTokens     int                  `json:"completion_tokens"`
	TotalTokens          int                  `json:"total_tokens"`
	PromptCacheHitTokens *int                 `json:"prompt_cache_hit_tokens,omitempty"`
	PromptTokensDetails  *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
	// CacheWriteTokens is the part of the uncached prompt written to the
	// vendor's prompt cache. Only Anthropic reports it.
	CacheWriteTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// CachedTokens prefers the flat field, then the nested one, else 0.
func (u Usage) CachedTokens() int {
	if u.PromptCacheHitTokens != nil {
		return *u.PromptCacheHitTokens
	}
	if u.PromptTokensDetails != nil {
		return u.PromptTokensDetails.CachedTokens
	}
	return 0
}

func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Add sums two reports, used when one logical turn spans several calls.
func (u Usage) Add(o Usage) Usage {
	cached := u.CachedTokens() + o.CachedTokens()
	return Usage{
		PromptTokens:         u.PromptTokens + o.PromptTokens,
		CompletionTokens:     u.CompletionTokens + o.CompletionTokens,
		TotalTokens:          u.Total() + o.Total(),
		PromptCacheHitTokens: &cached,
		CacheWriteTokens:     u.CacheWriteTokens + o.CacheWriteTokens,
	}
}

// IntPtr is a helper for building usage literals.
func IntPtr(v int) *int { return &v }
