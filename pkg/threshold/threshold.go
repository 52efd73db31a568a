// Package threshold stores the adaptive numeric inputs to the Policy
// Engine's decision rules, per (tenant, service, endpoint).
package threshold

import (
	"time"

	"github.com/google/uuid"
)

// Key identifies one endpoint's threshold record — the same shape as
// policy.Key, duplicated rather than imported to keep threshold and policy
// independent leaf packages (both are imported by pkg/policy/engine.go).
type Key struct {
	TenantID    uuid.UUID
	ServiceName string
	Endpoint    string
}

// Default thresholds applied the first time a key is evaluated, before any
// adaptation has occurred. These mirror the concrete values used in spec
// §8's worked scenarios (cache_latency_ms=500, circuit_breaker_error_rate=0.3).
const (
	DefaultCacheLatencyMS          = 500.0
	DefaultCircuitBreakerErrorRate = 0.3
	DefaultRateLimitCustomerRPM    = 600.0
	DefaultQueueDeferralRPM        = 1000.0
	DefaultLoadSheddingRPM         = 1500.0
)

// Record is a Threshold per spec §3: "Same key as Policy plus confidence
// and last_updated. Invariant: thresholds exist => a policy with the
// matching numeric fields exists" (pkg/policy.Engine enforces that
// invariant by writing Policy and Threshold transactionally).
type Record struct {
	Key Key

	RateLimitCustomerRPM    float64
	QueueDeferralRPM        float64
	LoadSheddingRPM         float64
	CacheLatencyMS          float64
	CircuitBreakerErrorRate float64

	Confidence  float64
	LastUpdated time.Time
}

// Default returns the seed Record for a key that has never been evaluated.
func Default(key Key) Record {
	return Record{
		Key:                     key,
		RateLimitCustomerRPM:    DefaultRateLimitCustomerRPM,
		QueueDeferralRPM:        DefaultQueueDeferralRPM,
		LoadSheddingRPM:         DefaultLoadSheddingRPM,
		CacheLatencyMS:          DefaultCacheLatencyMS,
		CircuitBreakerErrorRate: DefaultCircuitBreakerErrorRate,
		Confidence:              0,
		LastUpdated:             time.Time{},
	}
}
