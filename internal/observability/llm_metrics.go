package observability

import (
	"github.com/yungbote/graphpilot-backend/internal/llm/usage"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

// AttachTracker exports every usage entry and limit crossing of t. log may
// be nil; when set, limit crossings are also logged.
func (m *Metrics) AttachTracker(t *usage.Tracker, log *logger.Logger) {
	if m == nil || t == nil {
		return
	}
	t.OnRecord(func(e usage.Entry) {
		kind := "chat"
		if e.Embedding {
			kind = "embedding"
		}
		m.llmCalls.WithLabelValues(e.Provider, e.Model, e.Label, kind).Inc()
		m.llmTokens.WithLabelValues(e.Provider, e.Model, "prompt").Add(float64(e.PromptTokens))
		m.llmTokens.WithLabelValues(e.Provider, e.Model, "completion").Add(float64(e.CompletionTokens))
		m.llmTokens.WithLabelValues(e.Provider, e.Model, "cached").Add(float64(e.CachedTokens))
		if e.Cost > 0 {
			m.llmCost.WithLabelValues(e.Provider, e.Model).Add(e.Cost)
		}
	})
	t.OnLimitExceeded(func(limit string, actual, limitValue float64) {
		m.llmLimitBreach.WithLabelValues(limit).Inc()
		if log != nil {
			log.Warn("llm usage limit exceeded", "limit", limit, "actual", actual, "max", limitValue)
		}
	})
}
