// Package insight records AIInsight events — the Policy Engine's
// explanations of its decisions and anomaly alerts — and defines the
// Explain collaborator contract spec.md §1 leaves pluggable: "the core
// must accept any string producer implementing a simple
// Explain(metrics) -> string contract".
package insight

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type is one of the three AIInsight categories spec §3 defines.
type Type string

const (
	TypePattern        Type = "pattern"
	TypeAnomaly         Type = "anomaly"
	TypeRecommendation  Type = "recommendation"
)

// maxDescriptionBytes mirrors spec §9's 2KB cap on the Policy "reasoning"
// field; AIInsight descriptions are the same kind of free text.
const maxDescriptionBytes = 2048

// Record is an AIInsight event: append-only, 30-day retention (spec §3).
type Record struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Type        Type
	Service     string
	Endpoint    string
	Description string
	Confidence  float64
	CreatedAt   time.Time
}

// Metrics is the read-only view of one endpoint's current state handed to
// an Explainer. It is a self-contained snapshot (not pkg/aggregate.Snapshot
// or pkg/threshold.Record directly) so this package never imports policy,
// threshold, or aggregate and stays a leaf the Engine depends on, not the
// other way around.
type Metrics struct {
	TenantID    uuid.UUID
	Service     string
	Endpoint    string
	AvgLatencyMS float64
	ErrorRate    float64
	RPM          int64
	P50, P95, P99 float64

	CurrentCacheLatencyMS          float64
	CurrentCircuitBreakerErrorRate float64
	CurrentRateLimitCustomerRPM    float64
	CurrentQueueDeferralRPM        float64
	CurrentLoadSheddingRPM         float64
}

// SuggestedThresholds is an Explainer's proposed numeric threshold update.
// Fields left at zero are treated as "no change suggested" for that field.
type SuggestedThresholds struct {
	CacheLatencyMS          float64
	CircuitBreakerErrorRate float64
	RateLimitCustomerRPM    float64
	QueueDeferralRPM        float64
	LoadSheddingRPM         float64
}

// Explainer produces narrative reasoning plus a threshold suggestion and a
// confidence score for one endpoint's current metrics. Explain must respect
// ctx's deadline (spec §5: "3 s deadline; on timeout the engine updates the
// policy using numeric rules only").
type Explainer interface {
	Explain(ctx context.Context, m Metrics) (reasoning string, suggested SuggestedThresholds, confidence float64, err error)
}

func clampDescription(s string) string {
	if len(s) <= maxDescriptionBytes {
		return s
	}
	return s[:maxDescriptionBytes]
}
