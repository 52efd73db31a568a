package clientrt

import (
	"sync"
	"time"
)

const rpmBuckets = 60

// rpmCounter is a 60-bucket-per-second ring tracking one customer's request
// rate over the trailing minute, the client-side analogue of
// pkg/policy/hysteresis.go's per-key state: one small mutex-guarded struct
// per key, created lazily and kept for the process lifetime.
type rpmCounter struct {
	mu      sync.Mutex
	buckets [rpmBuckets]int64
	stamps  [rpmBuckets]int64 // unix second each bucket was last reset
}

// increment advances the counter for the current second and returns the
// trailing-60s total including this request.
func (c *rpmCounter) increment(now time.Time) int64 {
	sec := now.Unix()
	idx := int(sec % rpmBuckets)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stamps[idx] != sec {
		c.stamps[idx] = sec
		c.buckets[idx] = 0
	}
	c.buckets[idx]++

	var total int64
	cutoff := sec - rpmBuckets
	for i, stamp := range c.stamps {
		if stamp > cutoff {
			total += c.buckets[i]
		}
	}
	return total
}

// rpmRegistry holds one rpmCounter per customer identifier, created lazily
// and never evicted: the Client Runtime's process lifetime is short relative
// to customer churn, and a bounded ring per key keeps memory flat regardless
// of traffic volume.
type rpmRegistry struct {
	mu       sync.Mutex
	counters map[string]*rpmCounter
}

func newRPMRegistry() *rpmRegistry {
	return &rpmRegistry{counters: make(map[string]*rpmCounter)}
}

func (r *rpmRegistry) get(customer string) *rpmCounter {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.counters[customer]
	if !ok {
		c = &rpmCounter{}
		r.counters[customer] = c
	}
	return c
}
