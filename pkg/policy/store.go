package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pulsegate/controlplane/internal/telemetry"
)

const refreshInterval = 5 * time.Second

// dbExec is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a Postgres-backed policy store with an in-process copy-on-write
// cache, serving C7's hot-path Get with no locks (spec §4.4/§4.7).
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	cache  atomic.Pointer[map[Key]Record]
	redis  *redis.Client
}

// NewStore creates a Store. Call Load then Start as with threshold.Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	s := &Store{pool: pool, logger: logger}
	empty := map[Key]Record{}
	s.cache.Store(&empty)
	return s
}

// Load populates the cache synchronously.
func (s *Store) Load(ctx context.Context) error {
	snapshot, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	s.cache.Store(&snapshot)
	return nil
}

// Start begins the background refresh loop.
func (s *Store) Start(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := s.loadAll(ctx)
			if err != nil {
				s.logger.Error("refreshing policy cache", "error", err)
				continue
			}
			s.cache.Store(&snapshot)
		}
	}
}

// Get returns the current Policy for key, or SafeDefault(key) if none has
// been written yet (spec §4.7). This is the hot path: one atomic pointer
// load and one map read, no locks.
func (s *Store) Get(key Key) Record {
	m := *s.cache.Load()
	if rec, ok := m[key]; ok {
		return rec
	}
	return SafeDefault(key)
}

// NextVersion returns the version a write to key would bump to, i.e. the
// currently cached version + 1, or 1 if the key has no record yet.
func (s *Store) NextVersion(key Key) int64 {
	m := *s.cache.Load()
	if rec, ok := m[key]; ok {
		return rec.Version + 1
	}
	return 1
}

// Put writes rec standalone (outside the Policy Engine's transactional
// path — used by tests and by any future administrative override).
func (s *Store) Put(ctx context.Context, rec Record) error {
	if err := s.WriteTx(ctx, s.pool, rec); err != nil {
		return err
	}
	s.InstallCache(rec)
	s.publishInvalidation(ctx, rec.Key)
	return nil
}

// WriteTx writes rec using dbtx (pool or transaction). It does not touch
// the cache; call InstallCache after the transaction commits.
func (s *Store) WriteTx(ctx context.Context, dbtx dbExec, rec Record) error {
	rec.Reasoning = clampReasoning(rec.Reasoning)

	_, err := dbtx.Exec(ctx, upsertPolicySQL,
		rec.Key.TenantID, rec.Key.ServiceName, rec.Key.Endpoint,
		rec.CacheEnabled, rec.CircuitBreaker, rec.RateLimitEnabled,
		rec.RateLimitCustomerRPM, rec.QueueDeferralRPM, rec.LoadSheddingRPM,
		rec.CacheLatencyMS, rec.CircuitBreakerErrorRate, rec.Reasoning,
		rec.Version, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting policy: %w", err)
	}

	telemetry.PolicyVersionBumpsTotal.WithLabelValues(policyFlagLabel(rec)).Inc()
	return nil
}

// InstallCache installs rec into a fresh copy-on-write cache snapshot.
func (s *Store) InstallCache(rec Record) {
	old := *s.cache.Load()
	next := make(map[Key]Record, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[rec.Key] = rec
	s.cache.Store(&next)
}

func (s *Store) loadAll(ctx context.Context) (map[Key]Record, error) {
	rows, err := s.pool.Query(ctx, selectAllPoliciesSQL)
	if err != nil {
		return nil, fmt.Errorf("querying policies: %w", err)
	}
	defer rows.Close()

	out := make(map[Key]Record)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.Key.TenantID, &rec.Key.ServiceName, &rec.Key.Endpoint,
			&rec.CacheEnabled, &rec.CircuitBreaker, &rec.RateLimitEnabled,
			&rec.RateLimitCustomerRPM, &rec.QueueDeferralRPM, &rec.LoadSheddingRPM,
			&rec.CacheLatencyMS, &rec.CircuitBreakerErrorRate, &rec.Reasoning,
			&rec.Version, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning policy row: %w", err)
		}
		out[rec.Key] = rec
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, err
	}
	return out, nil
}

func policyFlagLabel(rec Record) string {
	switch {
	case rec.CircuitBreaker:
		return "circuit_breaker"
	case rec.CacheEnabled:
		return "cache"
	default:
		return "other"
	}
}

const selectAllPoliciesSQL = `
SELECT tenant_id, service_name, endpoint, cache_enabled, circuit_breaker, rate_limit_enabled,
       rate_limit_customer_rpm, queue_deferral_rpm, load_shedding_rpm, cache_latency_ms,
       circuit_breaker_error_rate, reasoning, version, updated_at
FROM policies
`

const upsertPolicySQL = `
INSERT INTO policies (tenant_id, service_name, endpoint, cache_enabled, circuit_breaker, rate_limit_enabled,
                       rate_limit_customer_rpm, queue_deferral_rpm, load_shedding_rpm, cache_latency_ms,
                       circuit_breaker_error_rate, reasoning, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (tenant_id, service_name, endpoint) DO UPDATE SET
  cache_enabled = EXCLUDED.cache_enabled,
  circuit_breaker = EXCLUDED.circuit_breaker,
  rate_limit_enabled = EXCLUDED.rate_limit_enabled,
  rate_limit_customer_rpm = EXCLUDED.rate_limit_customer_rpm,
  queue_deferral_rpm = EXCLUDED.queue_deferral_rpm,
  load_shedding_rpm = EXCLUDED.load_shedding_rpm,
  cache_latency_ms = EXCLUDED.cache_latency_ms,
  circuit_breaker_error_rate = EXCLUDED.circuit_breaker_error_rate,
  reasoning = EXCLUDED.reasoning,
  version = EXCLUDED.version,
  updated_at = EXCLUDED.updated_at
`
