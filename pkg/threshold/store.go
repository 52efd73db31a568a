package threshold

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbExec is satisfied by both *pgxpool.Pool and pgx.Tx, letting WriteTx run
// either standalone or as part of a caller-managed transaction (the Policy
// Engine's transactional policy+threshold write, spec §4.3).
type dbExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// refreshInterval is how often the background refresher rebuilds the cache
// snapshot from Postgres, per spec §5's "copy-on-write maps ... a
// background writer installs new snapshots via atomic pointer swap".
const refreshInterval = 5 * time.Second

// Store is a Postgres-backed threshold store with an in-process read-through
// cache. Get never blocks a concurrent Put (spec §4.4): Put writes through
// to Postgres and updates its own copy-on-write snapshot directly, while the
// background refresher keeps the cache in sync with writes from other
// processes (e.g. the worker and API processes both hold a Store).
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	cache  atomic.Pointer[map[Key]Record]
}

// NewStore creates a Store. Call Load once at startup to populate the
// initial cache, then Start to begin the background refresher.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	s := &Store{pool: pool, logger: logger}
	empty := map[Key]Record{}
	s.cache.Store(&empty)
	return s
}

// Load populates the cache synchronously; call it before serving traffic.
func (s *Store) Load(ctx context.Context) error {
	snapshot, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	s.cache.Store(&snapshot)
	return nil
}

// Start begins the background refresh loop; it returns when ctx is done.
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
				s.logger.Error("refreshing threshold cache", "error", err)
				continue
			}
			s.cache.Store(&snapshot)
		}
	}
}

// Get is the hot path: a single atomic pointer load plus a map read, no
// locks. Returns ok=false if the key has never been evaluated.
func (s *Store) Get(key Key) (Record, bool) {
	m := *s.cache.Load()
	rec, ok := m[key]
	return rec, ok
}

// All returns every cached threshold for tenantID, in no particular order.
func (s *Store) All(tenantID uuid.UUID) []Record {
	m := *s.cache.Load()
	out := make([]Record, 0, len(m))
	for k, rec := range m {
		if k.TenantID == tenantID {
			out = append(out, rec)
		}
	}
	return out
}

// Put writes rec to Postgres and installs a new cache snapshot containing
// it, so the writer's own subsequent Get calls observe it immediately
// without waiting for the background refresher.
func (s *Store) Put(ctx context.Context, rec Record) error {
	rec.LastUpdated = time.Now().UTC()
	if err := s.WriteTx(ctx, s.pool, rec); err != nil {
		return err
	}
	s.InstallCache(rec)
	return nil
}

// WriteTx writes rec using dbtx, which may be the Store's own pool or a
// transaction shared with a policy write (the Policy Engine's
// policy-and-threshold-commit-together invariant). It does not touch the
// cache; call InstallCache after the transaction commits.
func (s *Store) WriteTx(ctx context.Context, dbtx dbExec, rec Record) error {
	_, err := dbtx.Exec(ctx, upsertThresholdSQL,
		rec.Key.TenantID, rec.Key.ServiceName, rec.Key.Endpoint,
		rec.RateLimitCustomerRPM, rec.QueueDeferralRPM, rec.LoadSheddingRPM,
		rec.CacheLatencyMS, rec.CircuitBreakerErrorRate, rec.Confidence, rec.LastUpdated)
	if err != nil {
		return fmt.Errorf("upserting threshold: %w", err)
	}
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
	rows, err := s.pool.Query(ctx, selectAllThresholdsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying thresholds: %w", err)
	}
	defer rows.Close()

	out := make(map[Key]Record)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.Key.TenantID, &rec.Key.ServiceName, &rec.Key.Endpoint,
			&rec.RateLimitCustomerRPM, &rec.QueueDeferralRPM, &rec.LoadSheddingRPM,
			&rec.CacheLatencyMS, &rec.CircuitBreakerErrorRate, &rec.Confidence, &rec.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("scanning threshold row: %w", err)
		}
		out[rec.Key] = rec
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, err
	}
	return out, nil
}

const selectAllThresholdsSQL = `
SELECT tenant_id, service_name, endpoint, rate_limit_customer_rpm, queue_deferral_rpm,
       load_shedding_rpm, cache_latency_ms, circuit_breaker_error_rate, confidence, last_updated
FROM thresholds
`

const upsertThresholdSQL = `
INSERT INTO thresholds (tenant_id, service_name, endpoint, rate_limit_customer_rpm, queue_deferral_rpm,
                         load_shedding_rpm, cache_latency_ms, circuit_breaker_error_rate, confidence, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tenant_id, service_name, endpoint) DO UPDATE SET
  rate_limit_customer_rpm = EXCLUDED.rate_limit_customer_rpm,
  queue_deferral_rpm = EXCLUDED.queue_deferral_rpm,
  load_shedding_rpm = EXCLUDED.load_shedding_rpm,
  cache_latency_ms = EXCLUDED.cache_latency_ms,
  circuit_breaker_error_rate = EXCLUDED.circuit_breaker_error_rate,
  confidence = EXCLUDED.confidence,
  last_updated = EXCLUDED.last_updated
`
