// Package policy holds the current traffic-management decision for each
// (tenant, service, endpoint) and the engine that derives it from
// aggregate snapshots and adaptive thresholds.
package policy

import (
	"time"

	"github.com/google/uuid"
)

// Key identifies one endpoint's policy record.
type Key struct {
	TenantID    uuid.UUID
	ServiceName string
	Endpoint    string
}

// Record is a Policy per spec §3: the key, three decision booleans, five
// numeric fields, free-text reasoning, a monotonic version, and updated_at.
type Record struct {
	Key Key

	CacheEnabled      bool
	CircuitBreaker    bool
	RateLimitEnabled  bool

	RateLimitCustomerRPM    float64
	QueueDeferralRPM        float64
	LoadSheddingRPM         float64
	CacheLatencyMS          float64
	CircuitBreakerErrorRate float64

	Reasoning string

	Version   int64
	UpdatedAt time.Time
}

// SafeDefault is the response for unknown keys per spec §4.7: "Unknown keys
// receive a safe default {cache_enabled:false, circuit_breaker:false,
// rate_limit_enabled:false, reasoning:"no policy yet"} with the same shape."
func SafeDefault(key Key) Record {
	return Record{
		Key:              key,
		CacheEnabled:     false,
		CircuitBreaker:   false,
		RateLimitEnabled: false,
		Reasoning:        "no policy yet",
		Version:          0,
	}
}

// maxReasoningBytes is spec §9's "keep 'reasoning' ≤ 2 KB".
const maxReasoningBytes = 2048

func clampReasoning(s string) string {
	if len(s) <= maxReasoningBytes {
		return s
	}
	return s[:maxReasoningBytes]
}
