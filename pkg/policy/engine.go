package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsegate/controlplane/internal/telemetry"
	"github.com/pulsegate/controlplane/pkg/aggregate"
	"github.com/pulsegate/controlplane/pkg/insight"
	"github.com/pulsegate/controlplane/pkg/threshold"
)

// explainTimeout is spec §5's "3 s deadline" on the Explain collaborator;
// on expiry the Engine falls back to numeric rules only and records an
// omission insight.
const explainTimeout = 3 * time.Second

// minCBSamples is spec §4.3's sample floor for tripping the circuit
// breaker: "and at least 50 samples in the window".
const minCBSamples = 50

// cacheMaxErrorRate is spec §4.3's "error_rate < 0.2" guard on enabling
// caching — a service already failing heavily shouldn't also be cached.
const cacheMaxErrorRate = 0.2

// anomalyErrorMultiple and anomalyLatencyMultiple are spec §4.3's anomaly
// thresholds: "error-rate spike (>5x baseline) or latency spike (>3x
// baseline) records an unconditional anomaly insight regardless of
// confidence".
const anomalyErrorMultiple = 5.0
const anomalyLatencyMultiple = 3.0

// suggestionDeltaFraction is how far a suggested threshold must differ from
// the current value, proportionally, before the Engine adopts it — spec §9
// leaves the exact adoption rule open; 10% avoids adopting noise-level
// Explainer suggestions as real adaptation.
const suggestionDeltaFraction = 0.10

// minExplainConfidence is the confidence floor spec §4.3 implies by pairing
// "suggested_thresholds" with a "confidence" score: below this the Engine
// keeps its current thresholds and only records the reasoning as a
// recommendation insight rather than acting on it.
const minExplainConfidence = 0.7

// Engine evaluates aggregate Snapshots into Policy and Threshold updates,
// committing both transactionally (spec §4.3: "Writes are transactional:
// Policy and Threshold updates for one key either both commit or neither").
type Engine struct {
	pool       *pgxpool.Pool
	policies   *Store
	thresholds *threshold.Store
	insights   *insight.Store
	explainer  insight.Explainer
	logger     *slog.Logger

	notify func(ctx context.Context, rec insight.Record)

	states *states
}

// NewEngine builds an Engine. explainer may be nil, in which case every
// evaluation degrades straight to numeric rules; unlike an Explain call that
// fails or times out, this records no omission insight.
func NewEngine(pool *pgxpool.Pool, policies *Store, thresholds *threshold.Store, insights *insight.Store, explainer insight.Explainer, logger *slog.Logger) *Engine {
	return &Engine{
		pool:       pool,
		policies:   policies,
		thresholds: thresholds,
		insights:   insights,
		explainer:  explainer,
		logger:     logger,
		states:     newStates(),
	}
}

// Evaluate derives the next Policy and Threshold for snap's key from its
// current values, applies the decision rules, consults the Explainer for
// threshold adaptation, runs anomaly detection, and commits any change
// transactionally. It returns the resulting Record and whether anything
// changed from the previously stored Policy.
func (e *Engine) Evaluate(ctx context.Context, snap aggregate.Snapshot) (Record, bool, error) {
	key := Key{TenantID: snap.Key.TenantID, ServiceName: snap.Key.ServiceName, Endpoint: snap.Key.Endpoint}
	thrKey := threshold.Key(key)

	prevPolicy := e.policies.Get(key)
	thr, ok := e.thresholds.Get(thrKey)
	if !ok {
		thr = threshold.Default(thrKey)
	}

	st := e.states.get(snap.Key)

	next := prevPolicy
	next.Key = key

	e.applyCircuitBreaker(st, snap, thr, &next)
	e.applyCacheEnabled(st, snap, thr, &next)
	e.applyRateLimitPassthrough(thr, &next)

	e.detectAnomaly(ctx, st, snap, key)

	newThr := e.adaptThresholds(ctx, snap, thr, key, &next)

	changed := next != prevPolicy
	if !changed {
		return prevPolicy, false, nil
	}

	next.Version = prevPolicy.Version + 1
	next.UpdatedAt = snap.Timestamp
	next.Reasoning = clampReasoning(next.Reasoning)

	if err := e.commit(ctx, next, newThr); err != nil {
		return prevPolicy, false, fmt.Errorf("committing policy evaluation: %w", err)
	}

	telemetry.PolicyVersionBumpsTotal.WithLabelValues(policyFlagLabel(next)).Inc()
	return next, true, nil
}

// applyCircuitBreaker implements spec §4.3 rule 1 with 3-snapshot clear-side
// hysteresis: trips immediately once error_rate crosses threshold with
// enough samples, but only clears after three consecutive snapshots holding
// below half the threshold. A snapshot with no error-rate evidence
// (InsufficientData with zero window samples) leaves the flag untouched —
// the Engine must not downgrade an existing policy on missing data.
func (e *Engine) applyCircuitBreaker(st *keyState, snap aggregate.Snapshot, thr threshold.Record, next *Record) {
	if !snap.HasErrorRate {
		return
	}

	windowTotal := snap.WindowSuccess + snap.WindowError
	trips := snap.ErrorRate >= thr.CircuitBreakerErrorRate && windowTotal >= minCBSamples

	st.mu.Lock()
	defer st.mu.Unlock()

	if trips {
		next.CircuitBreaker = true
		st.cbBelowHalfStreak = 0
		return
	}

	if !next.CircuitBreaker {
		st.cbBelowHalfStreak = 0
		return
	}

	if snap.ErrorRate < 0.5*thr.CircuitBreakerErrorRate {
		st.cbBelowHalfStreak++
		if st.cbBelowHalfStreak >= clearStreak {
			next.CircuitBreaker = false
			st.cbBelowHalfStreak = 0
		}
	} else {
		st.cbBelowHalfStreak = 0
	}
}

// applyCacheEnabled implements spec §4.3 rule 2 with the same clear-side
// hysteresis shape as the circuit breaker, gated additionally on error_rate
// staying low enough that caching a failing endpoint isn't worthwhile.
func (e *Engine) applyCacheEnabled(st *keyState, snap aggregate.Snapshot, thr threshold.Record, next *Record) {
	if !snap.HasAvgLatency {
		return
	}

	errorRate := 0.0
	if snap.HasErrorRate {
		errorRate = snap.ErrorRate
	}
	enables := snap.AvgLatencyMS >= thr.CacheLatencyMS && errorRate < cacheMaxErrorRate

	st.mu.Lock()
	defer st.mu.Unlock()

	if enables {
		next.CacheEnabled = true
		st.cacheBelowHalfStreak = 0
		return
	}

	if !next.CacheEnabled {
		st.cacheBelowHalfStreak = 0
		return
	}

	if snap.AvgLatencyMS < 0.6*thr.CacheLatencyMS {
		st.cacheBelowHalfStreak++
		if st.cacheBelowHalfStreak >= clearStreak {
			next.CacheEnabled = false
			st.cacheBelowHalfStreak = 0
		}
	} else {
		st.cacheBelowHalfStreak = 0
	}
}

// applyRateLimitPassthrough implements spec §4.3 rules 3-5: load shedding
// and queue deferral are enforced by the Client Runtime against its own
// locally-tracked RPM (spec §4.10), so the Engine's job here is to always
// publish the current thresholds into the Policy's numeric fields and keep
// rate limiting switched on.
func (e *Engine) applyRateLimitPassthrough(thr threshold.Record, next *Record) {
	next.RateLimitEnabled = true
	next.RateLimitCustomerRPM = thr.RateLimitCustomerRPM
	next.QueueDeferralRPM = thr.QueueDeferralRPM
	next.LoadSheddingRPM = thr.LoadSheddingRPM
	next.CacheLatencyMS = thr.CacheLatencyMS
	next.CircuitBreakerErrorRate = thr.CircuitBreakerErrorRate
}

// detectAnomaly implements spec §4.3's unconditional anomaly rule: a spike
// against the Engine's own slow baseline (not the adaptive threshold)
// always produces an insight, independent of confidence or whether any
// policy flag changed.
func (e *Engine) detectAnomaly(ctx context.Context, st *keyState, snap aggregate.Snapshot, key Key) {
	if snap.HasErrorRate {
		baseline, had := st.errorBaseline.observeThenBaseline(snap.ErrorRate)
		if had && baseline > 0 && snap.ErrorRate > anomalyErrorMultiple*baseline {
			e.recordInsight(ctx, insight.TypeAnomaly, key,
				fmt.Sprintf("error rate %.3f is %.1fx its recent baseline of %.3f", snap.ErrorRate, snap.ErrorRate/baseline, baseline),
				1.0)
		}
	}
	if snap.HasAvgLatency {
		baseline, had := st.latencyBaseline.observeThenBaseline(snap.AvgLatencyMS)
		if had && baseline > 0 && snap.AvgLatencyMS > anomalyLatencyMultiple*baseline {
			e.recordInsight(ctx, insight.TypeAnomaly, key,
				fmt.Sprintf("avg latency %.0fms is %.1fx its recent baseline of %.0fms", snap.AvgLatencyMS, snap.AvgLatencyMS/baseline, baseline),
				1.0)
		}
	}
}

// adaptThresholds consults the Explainer, if any, for a narrative plus a
// suggested threshold update, degrading to numeric-rules-only on timeout or
// absence. It mutates next.Reasoning and returns the Threshold to persist
// alongside next (unchanged from thr if no suggestion clears the confidence
// and delta bars).
func (e *Engine) adaptThresholds(ctx context.Context, snap aggregate.Snapshot, thr threshold.Record, key Key, next *Record) threshold.Record {
	if e.explainer == nil {
		next.Reasoning = "numeric rules only: no explainer configured"
		return thr
	}

	explainCtx, cancel := context.WithTimeout(ctx, explainTimeout)
	defer cancel()

	metrics := insight.Metrics{
		TenantID:                       key.TenantID,
		Service:                        key.ServiceName,
		Endpoint:                       key.Endpoint,
		AvgLatencyMS:                   snap.AvgLatencyMS,
		ErrorRate:                      snap.ErrorRate,
		RPM:                            snap.RPM,
		P50:                            snap.P50,
		P95:                            snap.P95,
		P99:                            snap.P99,
		CurrentCacheLatencyMS:          thr.CacheLatencyMS,
		CurrentCircuitBreakerErrorRate: thr.CircuitBreakerErrorRate,
		CurrentRateLimitCustomerRPM:    thr.RateLimitCustomerRPM,
		CurrentQueueDeferralRPM:        thr.QueueDeferralRPM,
		CurrentLoadSheddingRPM:         thr.LoadSheddingRPM,
	}

	reasoning, suggested, confidence, err := e.explainer.Explain(explainCtx, metrics)
	if err != nil {
		e.logger.Warn("explainer degraded to numeric rules", "service", key.ServiceName, "endpoint", key.Endpoint, "error", err)
		next.Reasoning = "numeric rules only: explainer unavailable"
		e.recordInsight(ctx, insight.TypeRecommendation, key, "threshold explanation timed out; numeric rules only this cycle", 0)
		return thr
	}

	next.Reasoning = reasoning

	if confidence < minExplainConfidence {
		e.recordInsight(ctx, insight.TypeRecommendation, key, reasoning, confidence)
		return thr
	}

	adapted := thr
	changed := false
	if adoptSuggestion(suggested.CacheLatencyMS, thr.CacheLatencyMS) {
		adapted.CacheLatencyMS = suggested.CacheLatencyMS
		changed = true
	}
	if adoptSuggestion(suggested.CircuitBreakerErrorRate, thr.CircuitBreakerErrorRate) {
		adapted.CircuitBreakerErrorRate = suggested.CircuitBreakerErrorRate
		changed = true
	}
	if adoptSuggestion(suggested.RateLimitCustomerRPM, thr.RateLimitCustomerRPM) {
		adapted.RateLimitCustomerRPM = suggested.RateLimitCustomerRPM
		changed = true
	}
	if adoptSuggestion(suggested.QueueDeferralRPM, thr.QueueDeferralRPM) {
		adapted.QueueDeferralRPM = suggested.QueueDeferralRPM
		changed = true
	}
	if adoptSuggestion(suggested.LoadSheddingRPM, thr.LoadSheddingRPM) {
		adapted.LoadSheddingRPM = suggested.LoadSheddingRPM
		changed = true
	}

	if !changed {
		return thr
	}

	adapted.Confidence = confidence
	adapted.LastUpdated = snap.Timestamp
	e.recordInsight(ctx, insight.TypeRecommendation, key, reasoning, confidence)

	// queue_deferral_rpm must stay <= load_shedding_rpm (spec §3's invariant
	// on Threshold); an Explainer suggestion that would violate it is
	// rejected wholesale rather than partially applied.
	if adapted.QueueDeferralRPM > adapted.LoadSheddingRPM {
		return thr
	}

	next.RateLimitCustomerRPM = adapted.RateLimitCustomerRPM
	next.QueueDeferralRPM = adapted.QueueDeferralRPM
	next.LoadSheddingRPM = adapted.LoadSheddingRPM
	next.CacheLatencyMS = adapted.CacheLatencyMS
	next.CircuitBreakerErrorRate = adapted.CircuitBreakerErrorRate
	return adapted
}

func adoptSuggestion(suggested, current float64) bool {
	if suggested <= 0 {
		return false
	}
	if current == 0 {
		return true
	}
	return math.Abs(suggested-current)/current >= suggestionDeltaFraction
}

func (e *Engine) recordInsight(ctx context.Context, typ insight.Type, key Key, description string, confidence float64) {
	if e.insights == nil {
		return
	}
	rec := insight.Record{
		TenantID:    key.TenantID,
		Type:        typ,
		Service:     key.ServiceName,
		Endpoint:    key.Endpoint,
		Description: description,
		Confidence:  confidence,
	}
	if err := e.insights.Append(ctx, rec); err != nil {
		e.logger.Error("recording insight", "error", err)
		return
	}

	// Pattern insights are recorded for the dashboard but aren't worth an
	// operator interruption; only anomaly/recommendation insights notify.
	if e.notify != nil && typ != insight.TypePattern {
		e.notify(ctx, rec)
	}
}

// SetNotifier registers fn to be called whenever an anomaly or
// recommendation insight is recorded, after the insight is durably
// persisted. fn is expected not to block; pkg/notify.Notifier.PostInsight
// already degrades to a no-op when disabled.
func (e *Engine) SetNotifier(fn func(ctx context.Context, rec insight.Record)) {
	e.notify = fn
}

// commit writes next and newThr in one transaction, satisfying spec §4.3's
// "either both commit or neither", then installs both caches so subsequent
// Get calls observe the pair together.
func (e *Engine) commit(ctx context.Context, next Record, newThr threshold.Record) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := e.policies.WriteTx(ctx, tx, next); err != nil {
		return err
	}
	if err := e.thresholds.WriteTx(ctx, tx, newThr); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	e.policies.InstallCache(next)
	e.thresholds.InstallCache(newThr)
	e.policies.publishInvalidation(ctx, next.Key)
	return nil
}
