// Package reservoir implements Algorithm R reservoir sampling, shared by the
// Aggregator's live latency distribution and the Signal Store's hourly
// archive compaction so both bound memory the same way while preserving
// percentile estimation error.
package reservoir

import (
	"math/rand"
	"sort"
	"sync"
)

// DefaultSize is the reservoir capacity spec §4.2 specifies (1024 samples),
// chosen to bound p50/p95/p99 estimation error to within 2 percentile
// points under stationary load.
const DefaultSize = 1024

// Sampler is a fixed-capacity Algorithm R reservoir. Safe for concurrent use;
// callers needing single-writer semantics (the Aggregator) should still
// serialise Add through their own per-key lock to keep Count's ordering
// guarantee meaningful, but Sampler itself will not corrupt under races.
type Sampler struct {
	mu      sync.Mutex
	rng     *rand.Rand
	samples []float64
	seen    uint64
	size    int
}

// New creates a Sampler with the given capacity. size <= 0 uses DefaultSize.
func New(size int) *Sampler {
	if size <= 0 {
		size = DefaultSize
	}
	return &Sampler{
		rng:     rand.New(rand.NewSource(1)),
		samples: make([]float64, 0, size),
		size:    size,
	}
}

// Add offers one observation to the reservoir using Algorithm R: the first
// `size` observations are always kept; subsequent observation i (0-indexed)
// replaces a uniformly random existing sample with probability size/(i+1).
func (s *Sampler) Add(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen++
	if len(s.samples) < s.size {
		s.samples = append(s.samples, v)
		return
	}

	j := s.rng.Int63n(int64(s.seen))
	if j < int64(s.size) {
		s.samples[j] = v
	}
}

// Count returns the total number of observations ever offered, which may
// exceed the number of retained samples.
func (s *Sampler) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

// Snapshot returns a sorted copy of the currently retained samples,
// suitable for percentile computation or serialisation into an archive blob.
func (s *Sampler) Snapshot() []float64 {
	s.mu.Lock()
	out := make([]float64, len(s.samples))
	copy(out, s.samples)
	s.mu.Unlock()

	sort.Float64s(out)
	return out
}

// Percentile returns the value at percentile p (0..100) from a sorted
// sample set using nearest-rank interpolation. Returns 0 for an empty set.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := int(p/100*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Merge combines multiple sorted sample sets into one sorted set, used when
// the Analytics API's percentile query spans more hours than fit in a
// single hour's reservoir and must merge across hourly archive blobs.
func Merge(sets ...[]float64) []float64 {
	var total int
	for _, s := range sets {
		total += len(s)
	}
	out := make([]float64, 0, total)
	for _, s := range sets {
		out = append(out, s...)
	}
	sort.Float64s(out)
	return out
}
