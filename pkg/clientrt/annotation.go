package clientrt

import (
	"math"
	"time"
)

// shedMultiplier scales load_shedding_rpm by request priority (spec §4.10):
// high-priority traffic gets more headroom before shedding kicks in,
// low-priority traffic less.
func shedMultiplier(p Priority) float64 {
	switch p {
	case PriorityHigh:
		return 1.25
	case PriorityLow:
		return 0.8
	default:
		return 1.0
	}
}

// buildAnnotation applies the priority matrix: critical traffic bypasses
// every rate/shed/defer gate and honours only the circuit breaker, which
// applies regardless of priority. High priority honours rate-limiting and
// load-shedding but is exempt from queue deferral. Medium and low honour
// all three gates, low at a stricter shedding threshold.
func buildAnnotation(cfg PolicyConfig, priority Priority, customer string, rpm int64) Annotation {
	ann := Annotation{
		ShouldCache:        cfg.CacheEnabled,
		ShouldSkip:         cfg.CircuitBreaker,
		CustomerIdentifier: customer,
		PriorityRequired:   priority,
	}
	if ann.ShouldSkip {
		ann.Reason = "circuit_breaker_open"
	}

	if priority == PriorityCritical {
		ann.Reason = appendReason(ann.Reason, "critical priority bypasses rate/shed/defer gates")
		return ann
	}

	if cfg.RateLimitEnabled && customer != "" {
		if float64(rpm) > cfg.RateLimitCustomerRPM {
			ann.IsRateLimitedCustomer = true
			ann.RetryAfter = time.Second
			ann.Reason = appendReason(ann.Reason, "customer rpm over rate_limit_customer_rpm")
		}

		if float64(rpm) > cfg.LoadSheddingRPM*shedMultiplier(priority) {
			ann.IsLoadShedding = true
			ann.Reason = appendReason(ann.Reason, "customer rpm over scaled load_shedding_rpm")
		}

		if priority != PriorityHigh && float64(rpm) > cfg.QueueDeferralRPM {
			ann.IsQueueDeferral = true
			ann.EstimatedDelay = estimateDelay(rpm, cfg.QueueDeferralRPM)
			ann.Reason = appendReason(ann.Reason, "customer rpm over queue_deferral_rpm")
		}
	}

	return ann
}

func appendReason(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}

// estimateDelay gives the caller a rough backoff hint proportional to how far
// over the deferral threshold the customer's current rate sits.
func estimateDelay(rpm int64, thresholdRPM float64) time.Duration {
	if thresholdRPM <= 0 {
		return time.Second
	}
	over := (float64(rpm) - thresholdRPM) / thresholdRPM
	return time.Duration(math.Ceil(over*5)) * time.Second
}
