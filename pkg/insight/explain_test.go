package insight

import (
	"context"
	"testing"
)

func TestHeuristicExplainer_FlagsHighErrorRate(t *testing.T) {
	e := NewHeuristicExplainer()
	m := Metrics{
		Service:                        "checkout",
		Endpoint:                       "/pay",
		ErrorRate:                      0.5,
		CurrentCircuitBreakerErrorRate: 0.3,
	}

	reasoning, _, confidence, err := e.Explain(context.Background(), m)
	if err != nil {
		t.Fatalf("Explain returned error: %v", err)
	}
	if reasoning == "" {
		t.Fatalf("expected non-empty reasoning")
	}
	if confidence <= 0 {
		t.Fatalf("expected a positive confidence, got %v", confidence)
	}
}

func TestParseExplainResponse_ExtractsSuggestionsAndConfidence(t *testing.T) {
	text := "Latency has crept up on this endpoint recently.\n" +
		"SUGGEST cache_latency_ms: 620\n" +
		"SUGGEST circuit_breaker_error_rate: 0.25\n" +
		"CONFIDENCE: 0.82\n"

	m := Metrics{
		CurrentCacheLatencyMS:          500,
		CurrentCircuitBreakerErrorRate: 0.3,
		CurrentRateLimitCustomerRPM:    600,
		CurrentQueueDeferralRPM:        1000,
		CurrentLoadSheddingRPM:         1500,
	}

	reasoning, suggested, confidence := parseExplainResponse(text, m)

	if reasoning == "" {
		t.Fatalf("expected narrative text to be captured")
	}
	if suggested.CacheLatencyMS != 620 {
		t.Errorf("CacheLatencyMS = %v, want 620", suggested.CacheLatencyMS)
	}
	if suggested.CircuitBreakerErrorRate != 0.25 {
		t.Errorf("CircuitBreakerErrorRate = %v, want 0.25", suggested.CircuitBreakerErrorRate)
	}
	if suggested.RateLimitCustomerRPM != 600 {
		t.Errorf("RateLimitCustomerRPM = %v, want unchanged 600", suggested.RateLimitCustomerRPM)
	}
	if confidence != 0.82 {
		t.Errorf("confidence = %v, want 0.82", confidence)
	}
}

func TestParseExplainResponse_MalformedLinesIgnored(t *testing.T) {
	text := "SUGGEST not_a_real_field\nCONFIDENCE nope\n"
	m := Metrics{CurrentCacheLatencyMS: 500}

	_, suggested, confidence := parseExplainResponse(text, m)

	if suggested.CacheLatencyMS != 500 {
		t.Errorf("expected unrecognised SUGGEST line to leave threshold unchanged, got %v", suggested.CacheLatencyMS)
	}
	if confidence != 0 {
		t.Errorf("expected malformed CONFIDENCE line to leave confidence at 0, got %v", confidence)
	}
}
