package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/pkg/aggregate"
	"github.com/pulsegate/controlplane/pkg/signalstore"
	"github.com/pulsegate/controlplane/pkg/threshold"
)

func testKey() signalstore.Key {
	return signalstore.Key{TenantID: uuid.New(), ServiceName: "checkout", Endpoint: "/pay"}
}

func snapshotWithErrorRate(key signalstore.Key, errorRate float64, windowTotal int64) aggregate.Snapshot {
	success := int64(float64(windowTotal) * (1 - errorRate))
	failure := windowTotal - success
	return aggregate.Snapshot{
		Key:           key,
		WindowSuccess: success,
		WindowError:   failure,
		ErrorRate:     errorRate,
		HasErrorRate:  windowTotal > 0,
		Timestamp:     time.Now(),
	}
}

func TestEngine_CircuitBreakerTripsAboveThresholdWithEnoughSamples(t *testing.T) {
	e := &Engine{states: newStates()}
	key := testKey()
	thr := threshold.Default(threshold.Key(Key{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint}))

	snap := snapshotWithErrorRate(key, thr.CircuitBreakerErrorRate+0.1, minCBSamples)
	st := e.states.get(key)

	var next Record
	e.applyCircuitBreaker(st, snap, thr, &next)

	if !next.CircuitBreaker {
		t.Fatalf("expected circuit breaker to trip, got false")
	}
}

func TestEngine_CircuitBreakerDoesNotTripWithTooFewSamples(t *testing.T) {
	e := &Engine{states: newStates()}
	key := testKey()
	thr := threshold.Default(threshold.Key(Key{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint}))

	snap := snapshotWithErrorRate(key, thr.CircuitBreakerErrorRate+0.1, minCBSamples-1)
	st := e.states.get(key)

	var next Record
	e.applyCircuitBreaker(st, snap, thr, &next)

	if next.CircuitBreaker {
		t.Fatalf("expected circuit breaker to stay closed below the sample floor")
	}
}

func TestEngine_CircuitBreakerRequiresThreeConsecutiveSnapshotsToClear(t *testing.T) {
	e := &Engine{states: newStates()}
	key := testKey()
	thr := threshold.Default(threshold.Key(Key{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint}))
	st := e.states.get(key)

	next := Record{CircuitBreaker: true}

	tripped := snapshotWithErrorRate(key, thr.CircuitBreakerErrorRate+0.1, minCBSamples)
	e.applyCircuitBreaker(st, tripped, thr, &next)
	if !next.CircuitBreaker {
		t.Fatalf("setup: expected breaker tripped")
	}

	recovering := snapshotWithErrorRate(key, thr.CircuitBreakerErrorRate*0.1, minCBSamples)

	e.applyCircuitBreaker(st, recovering, thr, &next)
	if !next.CircuitBreaker {
		t.Fatalf("breaker cleared after only one good snapshot, want it to stay tripped")
	}
	e.applyCircuitBreaker(st, recovering, thr, &next)
	if !next.CircuitBreaker {
		t.Fatalf("breaker cleared after only two good snapshots, want it to stay tripped")
	}
	e.applyCircuitBreaker(st, recovering, thr, &next)
	if next.CircuitBreaker {
		t.Fatalf("expected breaker to clear after three consecutive good snapshots")
	}
}

func TestEngine_CircuitBreakerIgnoresSnapshotWithNoErrorRateEvidence(t *testing.T) {
	e := &Engine{states: newStates()}
	key := testKey()
	thr := threshold.Default(threshold.Key(Key{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint}))
	st := e.states.get(key)

	next := Record{CircuitBreaker: true}
	noEvidence := aggregate.Snapshot{Key: key, HasErrorRate: false, InsufficientData: true}

	e.applyCircuitBreaker(st, noEvidence, thr, &next)

	if !next.CircuitBreaker {
		t.Fatalf("expected an insufficient-data snapshot to leave circuit_breaker unchanged, not downgrade it")
	}
}

func TestEngine_CacheEnabledRespectsErrorRateGuard(t *testing.T) {
	e := &Engine{states: newStates()}
	key := testKey()
	thr := threshold.Default(threshold.Key(Key{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint}))
	st := e.states.get(key)

	snap := aggregate.Snapshot{
		Key:           key,
		AvgLatencyMS:  thr.CacheLatencyMS + 50,
		HasAvgLatency: true,
		ErrorRate:     0.5,
		HasErrorRate:  true,
	}

	var next Record
	e.applyCacheEnabled(st, snap, thr, &next)

	if next.CacheEnabled {
		t.Fatalf("expected cache_enabled to stay false when error_rate exceeds the cache guard")
	}
}

func TestEngine_RateLimitPassthroughCopiesThresholds(t *testing.T) {
	e := &Engine{}
	thr := threshold.Record{
		RateLimitCustomerRPM:    600,
		QueueDeferralRPM:        1000,
		LoadSheddingRPM:         1500,
		CacheLatencyMS:          500,
		CircuitBreakerErrorRate: 0.3,
	}

	var next Record
	e.applyRateLimitPassthrough(thr, &next)

	if !next.RateLimitEnabled {
		t.Fatalf("expected rate_limit_enabled to always be true")
	}
	if next.RateLimitCustomerRPM != thr.RateLimitCustomerRPM || next.QueueDeferralRPM != thr.QueueDeferralRPM || next.LoadSheddingRPM != thr.LoadSheddingRPM {
		t.Fatalf("expected rpm thresholds to be copied through unchanged")
	}
}

func TestAdoptSuggestion(t *testing.T) {
	cases := []struct {
		name      string
		suggested float64
		current   float64
		want      bool
	}{
		{"zero suggestion ignored", 0, 500, false},
		{"no prior value always adopted", 100, 0, true},
		{"small delta rejected", 505, 500, false},
		{"large delta adopted", 600, 500, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := adoptSuggestion(tc.suggested, tc.current); got != tc.want {
				t.Errorf("adoptSuggestion(%v, %v) = %v, want %v", tc.suggested, tc.current, got, tc.want)
			}
		})
	}
}

func TestEngine_DetectAnomalyRecordsInsightOnErrorSpike(t *testing.T) {
	e := &Engine{states: newStates()}
	key := testKey()
	st := e.states.get(key)
	ctx := context.Background()

	baseline := aggregate.Snapshot{Key: key, ErrorRate: 0.01, HasErrorRate: true}
	e.detectAnomaly(ctx, st, baseline, Key{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint})

	spike := aggregate.Snapshot{Key: key, ErrorRate: 0.2, HasErrorRate: true}
	// insights is nil on this Engine, so recordInsight is a no-op; this just
	// exercises the baseline-comparison path without panicking.
	e.detectAnomaly(ctx, st, spike, Key{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint})
}
