package policy

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// invalidationChannel is the redis pub/sub channel the Policy Engine
// publishes to after every committed change, so every API replica's
// in-process cache converges faster than the 5s background poll alone —
// the domain's "policy cache invalidation pub/sub" concern, grounded on
// pkg/alert/dedup.go's Redis-first idiom.
const invalidationChannel = "pulsegate:policy:invalidate"

type invalidationMessage struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	ServiceName string    `json:"service_name"`
	Endpoint    string    `json:"endpoint"`
}

// SetRedis attaches a redis client the Store uses to publish and subscribe
// to cache invalidations. Without it, the Store still converges correctly,
// just only on the 5s poll in Start.
func (s *Store) SetRedis(rdb *redis.Client) {
	s.redis = rdb
}

// publishInvalidation notifies other replicas that key changed. Best
// effort: a publish failure only delays convergence to the next poll, it
// never fails the write that triggered it.
func (s *Store) publishInvalidation(ctx context.Context, key Key) {
	if s.redis == nil {
		return
	}
	body, err := json.Marshal(invalidationMessage{TenantID: key.TenantID, ServiceName: key.ServiceName, Endpoint: key.Endpoint})
	if err != nil {
		return
	}
	if err := s.redis.Publish(ctx, invalidationChannel, body).Err(); err != nil {
		s.logger.Warn("publishing policy invalidation", "error", err)
	}
}

// Subscribe runs until ctx is cancelled, reloading a changed key's record
// from Postgres and installing it into the local cache as soon as another
// replica announces it, rather than waiting for the next poll tick.
func (s *Store) Subscribe(ctx context.Context) {
	if s.redis == nil {
		return
	}
	sub := s.redis.Subscribe(ctx, invalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleInvalidation(ctx, msg.Payload)
		}
	}
}

func (s *Store) handleInvalidation(ctx context.Context, payload string) {
	var m invalidationMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		s.logger.Warn("decoding policy invalidation", "error", err)
		return
	}

	key := Key{TenantID: m.TenantID, ServiceName: m.ServiceName, Endpoint: m.Endpoint}
	rec, err := s.loadOne(ctx, key)
	if err != nil {
		s.logger.Warn("reloading invalidated policy", "key", key, "error", err)
		return
	}
	s.InstallCache(rec)
}

func (s *Store) loadOne(ctx context.Context, key Key) (Record, error) {
	row := s.pool.QueryRow(ctx, selectOnePolicySQL, key.TenantID, key.ServiceName, key.Endpoint)

	var rec Record
	err := row.Scan(
		&rec.Key.TenantID, &rec.Key.ServiceName, &rec.Key.Endpoint,
		&rec.CacheEnabled, &rec.CircuitBreaker, &rec.RateLimitEnabled,
		&rec.RateLimitCustomerRPM, &rec.QueueDeferralRPM, &rec.LoadSheddingRPM,
		&rec.CacheLatencyMS, &rec.CircuitBreakerErrorRate, &rec.Reasoning,
		&rec.Version, &rec.UpdatedAt,
	)
	return rec, err
}

const selectOnePolicySQL = `
SELECT tenant_id, service_name, endpoint, cache_enabled, circuit_breaker, rate_limit_enabled,
       rate_limit_customer_rpm, queue_deferral_rpm, load_shedding_rpm, cache_latency_ms,
       circuit_breaker_error_rate, reasoning, version, updated_at
FROM policies
WHERE tenant_id = $1 AND service_name = $2 AND endpoint = $3
`
