// Package aggregate maintains one EndpointAggregate per (tenant, service,
// endpoint) key and ticks them into immutable Snapshots on two cadences: 1s
// for the Stream Hub, 10s for the Policy Engine.
package aggregate

import (
	"sync"
	"time"

	"github.com/pulsegate/controlplane/pkg/reservoir"
	"github.com/pulsegate/controlplane/pkg/signalstore"
)

// latencyEWMAHalfLife is spec §3's "EWMA of latency (half-life 30 s)".
const latencyEWMAHalfLife = 30 * time.Second

// minWindowSamples is spec §4.2's insufficient-data threshold: "If
// n_success + n_error < 20 inside the last tick-window".
const minWindowSamples = 20

// EndpointAggregate is mutated under a single-writer discipline per key,
// enforced by the type's own mutex around Record and Snapshot.
type EndpointAggregate struct {
	mu sync.Mutex

	key       signalstore.Key
	reservoir *reservoir.Sampler
	rpm       *rpmRing
	ewma      *ewma

	nSuccessTotal int64
	nErrorTotal   int64

	// windowed counts reset every time a policy-cadence Snapshot is taken;
	// these drive insufficient_data and the decision rules' sample-count
	// gates, which spec §4.2/§4.3 describe in terms of "the last
	// tick-window", not lifetime totals.
	windowSuccess int64
	windowError   int64

	lastSignalAt time.Time
}

// NewEndpointAggregate creates an aggregate for key.
func NewEndpointAggregate(key signalstore.Key) *EndpointAggregate {
	return &EndpointAggregate{
		key:       key,
		reservoir: reservoir.New(reservoir.DefaultSize),
		rpm:       newRPMRing(),
		ewma:      newEWMA(latencyEWMAHalfLife),
	}
}

// Record folds one signal into the aggregate. Ordering within a key is the
// caller's responsibility (spec §5: "aggregation is strictly in ingress
// order" within one key) — the Aggregator serialises calls per key.
func (a *EndpointAggregate) Record(sig signalstore.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reservoir.Add(sig.LatencyMS)
	a.ewma.update(sig.LatencyMS, sig.Timestamp)
	a.rpm.incr(sig.Timestamp)

	if sig.Status == signalstore.StatusSuccess {
		a.nSuccessTotal++
		a.windowSuccess++
	} else {
		a.nErrorTotal++
		a.windowError++
	}
	a.lastSignalAt = sig.Timestamp
}

// Snapshot produces an immutable value copy of the aggregate's current
// state. When resetWindow is true (the 10s policy cadence) the windowed
// counters are reset after being read, so the next evaluation measures only
// what arrived in the following window. The 1s streaming cadence passes
// resetWindow=false and only observes the window in progress.
func (a *EndpointAggregate) Snapshot(now time.Time, resetWindow bool) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	samples := a.reservoir.Snapshot()
	avgLatency, hasAvg := a.ewma.get()

	windowTotal := a.windowSuccess + a.windowError
	var errorRate float64
	hasErrorRate := windowTotal > 0
	if hasErrorRate {
		errorRate = float64(a.windowError) / float64(windowTotal)
	}

	snap := Snapshot{
		Key:               a.key,
		NSuccess:          a.nSuccessTotal,
		NError:            a.nErrorTotal,
		WindowSuccess:     a.windowSuccess,
		WindowError:       a.windowError,
		AvgLatencyMS:      avgLatency,
		HasAvgLatency:     hasAvg && a.nSuccessTotal >= 1,
		ErrorRate:         errorRate,
		HasErrorRate:      hasErrorRate,
		P50:               reservoir.Percentile(samples, 50),
		P95:               reservoir.Percentile(samples, 95),
		P99:               reservoir.Percentile(samples, 99),
		RPM:               a.rpm.rpm(now),
		LastSignalAt:      a.lastSignalAt,
		InsufficientData:  windowTotal < minWindowSamples,
		Timestamp:         now,
	}

	if resetWindow {
		a.windowSuccess = 0
		a.windowError = 0
	}

	return snap
}
