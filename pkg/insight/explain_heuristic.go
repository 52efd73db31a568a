package insight

import (
	"context"
	"fmt"
)

// HeuristicExplainer derives reasoning from fixed numeric rules, with no
// external dependency. It is always available and is what the Engine falls
// back to conceptually on a GeminiExplainer timeout, though in that case the
// Engine itself supplies the fallback text rather than calling this type —
// HeuristicExplainer exists as a standalone Explainer for deployments that
// never configure GEMINI_API_KEY.
type HeuristicExplainer struct{}

// NewHeuristicExplainer returns a ready-to-use HeuristicExplainer.
func NewHeuristicExplainer() *HeuristicExplainer {
	return &HeuristicExplainer{}
}

// Explain never blocks on I/O and never errors.
func (HeuristicExplainer) Explain(_ context.Context, m Metrics) (string, SuggestedThresholds, float64, error) {
	var reason string
	suggested := SuggestedThresholds{
		CacheLatencyMS:          m.CurrentCacheLatencyMS,
		CircuitBreakerErrorRate: m.CurrentCircuitBreakerErrorRate,
		RateLimitCustomerRPM:    m.CurrentRateLimitCustomerRPM,
		QueueDeferralRPM:        m.CurrentQueueDeferralRPM,
		LoadSheddingRPM:         m.CurrentLoadSheddingRPM,
	}

	switch {
	case m.ErrorRate >= m.CurrentCircuitBreakerErrorRate:
		reason = fmt.Sprintf("%s%s: error rate %.1f%% at or above the %.1f%% circuit breaker threshold",
			m.Service, m.Endpoint, m.ErrorRate*100, m.CurrentCircuitBreakerErrorRate*100)
	case m.AvgLatencyMS >= m.CurrentCacheLatencyMS:
		reason = fmt.Sprintf("%s%s: average latency %.0fms at or above the %.0fms cache threshold",
			m.Service, m.Endpoint, m.AvgLatencyMS, m.CurrentCacheLatencyMS)
		suggested.CacheLatencyMS = m.CurrentCacheLatencyMS * 1.1
	default:
		reason = fmt.Sprintf("%s%s: metrics within configured thresholds", m.Service, m.Endpoint)
	}

	return reason, suggested, 0.5, nil
}
