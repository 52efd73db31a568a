package signalstore

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsegate/controlplane/internal/telemetry"
)

// Store is a sharded, in-memory signal store: Append, RecentSlice and
// Archive are its whole surface per the data model's C1 contract. Sharding
// follows spec §5's "sharded keyed-mutex scheme (shard = hash(key) mod N)":
// each shard owns an independent map + mutex, so two endpoints that hash to
// different shards never contend.
type Store struct {
	shards    []*shard
	shardMask uint32
	logger    *slog.Logger
	archiver  Archiver
	retention time.Duration
}

type shard struct {
	mu    sync.RWMutex
	rings map[Key]*ring
}

// Archiver receives compacted hourly rollups. *signalstore.ArchiveWriter is
// the production implementation; tests can supply a stub.
type Archiver interface {
	Enqueue(entry ArchiveEntry)
}

// Option configures a Store.
type Option func(*Store)

// WithArchiver attaches the writer that Archive hands hourly rollups to.
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// WithRetention overrides the default 7-day recent-window age bound.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New creates a Store with shardCount shards. shardCount is rounded up to
// the next power of two so shard selection is a cheap mask instead of a mod.
func New(shardCount int, logger *slog.Logger, opts ...Option) *Store {
	if shardCount <= 0 {
		shardCount = 256
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}

	s := &Store{
		shards:    make([]*shard, n),
		shardMask: uint32(n - 1),
		logger:    logger,
		retention: 7 * 24 * time.Hour,
	}
	for i := range s.shards {
		s.shards[i] = &shard{rings: make(map[Key]*ring)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.TenantID.String()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.ServiceName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Endpoint))
	return s.shards[h.Sum32()&s.shardMask]
}

// ringFor returns (creating if absent) the ring for k.
func (s *Store) ringFor(k Key) *ring {
	sh := s.shardFor(k)

	sh.mu.RLock()
	r, ok := sh.rings[k]
	sh.mu.RUnlock()
	if ok {
		return r
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r, ok = sh.rings[k]; ok {
		return r
	}
	r = newRing(DefaultRingCapacity)
	sh.rings[k] = r
	return r
}

// Append is best-effort O(1): it never blocks ingress longer than the time
// to acquire one shard's lock and push into one key's ring.
func (s *Store) Append(sig Signal) {
	r := s.ringFor(sig.Key())
	lengthBefore, _, _ := r.stats()
	r.push(sig)
	if lengthBefore == DefaultRingCapacity {
		telemetry.SignalsDroppedTotal.WithLabelValues("ring_overflow").Inc()
	}
}

// RecentSlice returns up to n signals for key, newest-first. Lock-free from
// the caller's perspective beyond a brief RWMutex read.
func (s *Store) RecentSlice(key Key, n int) []Signal {
	r := s.ringFor(key)
	return r.recent(n)
}

// Dropped reports the number of entries evicted by ring overflow for key.
func (s *Store) Dropped(key Key) uint64 {
	_, dropped, _ := s.ringFor(key).stats()
	return dropped
}

// LastSignalAt reports the timestamp of the most recent Append for key, the
// zero time if none has ever been seen.
func (s *Store) LastSignalAt(key Key) time.Time {
	_, _, lastSeen := s.ringFor(key).stats()
	return lastSeen
}

// Keys returns every key currently tracked across all shards. Used by the
// Aggregator to enumerate endpoints to tick and by Archive's hourly sweep.
func (s *Store) Keys() []Key {
	var out []Key
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.rings {
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Archive compacts the signals currently retained for key into one hourly
// rollup and hands it to the configured Archiver; it also evicts in-ring
// entries older than the store's retention window. A nil archiver makes
// Archive a pure age-eviction sweep, useful in tests.
func (s *Store) Archive(_ context.Context, key Key, hourBucket time.Time) {
	r := s.ringFor(key)
	signals := r.all()

	r.evictOlderThan(time.Now().UTC().Add(-s.retention))

	if s.archiver == nil || len(signals) == 0 {
		return
	}

	entry := compactHour(key, hourBucket, signals)
	s.archiver.Enqueue(entry)
}
