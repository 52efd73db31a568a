package policy

import (
	"math"
	"sync"
	"time"

	"github.com/pulsegate/controlplane/pkg/signalstore"
)

// clearStreak implements the "N consecutive snapshots below the clear-side
// level" hysteresis (half the threshold for circuit_breaker, 0.6 of it for
// cache_enabled) spec §4.3 requires for both flags,
// so a single noisy good snapshot doesn't flap a policy flag back open.
const clearStreak = 3

// baselineHalfLife is the EWMA horizon anomaly detection compares the
// current snapshot against — long enough to smooth over the ordinary
// tick-to-tick noise the 30 s latency EWMA already has, short enough to
// track real traffic-pattern shifts within a session.
const baselineHalfLife = 10 * time.Minute

// keyState is the Engine's per-endpoint memory across Evaluate calls: the
// hysteresis counters for the two flags with clear-side debounce, and a
// slow baseline of error rate and latency used to detect anomaly spikes.
type keyState struct {
	mu sync.Mutex

	cbBelowHalfStreak    int
	cacheBelowHalfStreak int

	errorBaseline   *ewmaFloat
	latencyBaseline *ewmaFloat
}

func newKeyState() *keyState {
	return &keyState{
		errorBaseline:   newEWMAFloat(baselineHalfLife),
		latencyBaseline: newEWMAFloat(baselineHalfLife),
	}
}

// states is the Engine's sharded-by-mutex registry of per-key keyState,
// grounded on the same "map protected by one mutex, values own finer
// locks" shape pkg/aggregate and pkg/signalstore use for their shards.
type states struct {
	mu sync.Mutex
	m  map[signalstore.Key]*keyState
}

func newStates() *states {
	return &states{m: make(map[signalstore.Key]*keyState)}
}

func (s *states) get(key signalstore.Key) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[key]
	if !ok {
		st = newKeyState()
		s.m[key] = st
	}
	return st
}

// ewmaFloat is a minimal exponential moving average over plain float64
// samples (no associated timestamp payload), distinct from pkg/aggregate's
// ewma which decays a latency reading against wall-clock elapsed time. Here
// each Evaluate call is already spaced by the Policy Engine's fixed 10 s
// cadence, so a fixed per-sample decay factor is the direct, simpler
// equivalent rather than reimplementing elapsed-time decay.
type ewmaFloat struct {
	mu      sync.Mutex
	alpha   float64
	value   float64
	hasData bool
}

// newEWMAFloat derives a fixed per-sample decay factor from the Policy
// Engine's 10s evaluation cadence, the same half-life formula
// pkg/aggregate's ewma.go uses against elapsed wall time.
func newEWMAFloat(halfLife time.Duration) *ewmaFloat {
	const tickInterval = 10 * time.Second
	alpha := 1 - math.Pow(0.5, float64(tickInterval)/float64(halfLife))
	return &ewmaFloat{alpha: alpha}
}

// observeThenBaseline returns the current baseline (before folding in the
// new sample) so spike detection compares "now" against "before now", then
// updates the baseline for the next call.
func (e *ewmaFloat) observeThenBaseline(sample float64) (baseline float64, hadBaseline bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	baseline, hadBaseline = e.value, e.hasData
	if !e.hasData {
		e.value = sample
		e.hasData = true
		return baseline, hadBaseline
	}
	e.value = e.alpha*sample + (1-e.alpha)*e.value
	return baseline, hadBaseline
}
