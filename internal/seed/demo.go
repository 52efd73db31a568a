// Package seed provisions a demo tenant with realistic policies,
// thresholds, and historical traffic so a freshly migrated environment has
// something to look at immediately.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsegate/controlplane/internal/auth"
	"github.com/pulsegate/controlplane/pkg/policy"
	"github.com/pulsegate/controlplane/pkg/signalstore"
	"github.com/pulsegate/controlplane/pkg/threshold"
)

const demoTenantName = "Acme Demo"

type demoEndpoint struct {
	service     string
	endpoint    string
	tier        string // "critical" | "standard"
	baseLatency float64
	baseError   float64
}

var demoEndpoints = []demoEndpoint{
	{"payment-gateway", "/v1/charge", "critical", 80, 0.01},
	{"payment-gateway", "/v1/refund", "critical", 120, 0.02},
	{"auth-service", "/v1/login", "critical", 45, 0.015},
	{"order-api", "/v1/orders", "standard", 150, 0.03},
	{"order-api", "/v1/orders/search", "standard", 220, 0.04},
	{"customer-db", "/v1/query", "standard", 30, 0.005},
}

// RunDemo seeds one demo tenant: an admin API key (logged once, in the
// clear, since it can never be recovered after this call), a Policy and
// Threshold row per demoEndpoint, and 48 hours of synthetic hourly
// signals_archive rollups so the Analytics API has history to chart.
func RunDemo(ctx context.Context, db *pgxpool.Pool, logger *slog.Logger) error {
	tenantID, err := seedTenant(ctx, db, logger)
	if err != nil {
		return err
	}

	if err := seedAPIKey(ctx, db, logger, tenantID); err != nil {
		return err
	}

	policies := policy.NewStore(db, logger)
	if err := policies.Load(ctx); err != nil {
		return fmt.Errorf("loading policy cache: %w", err)
	}
	thresholds := threshold.NewStore(db, logger)
	if err := thresholds.Load(ctx); err != nil {
		return fmt.Errorf("loading threshold cache: %w", err)
	}

	for _, ep := range demoEndpoints {
		key := policy.Key{TenantID: tenantID, ServiceName: ep.service, Endpoint: ep.endpoint}
		if err := seedPolicyAndThreshold(ctx, policies, thresholds, key, ep); err != nil {
			return fmt.Errorf("seeding policy for %s%s: %w", ep.service, ep.endpoint, err)
		}
	}
	logger.Info("seed-demo: policies and thresholds seeded", "count", len(demoEndpoints))

	archiveWriter := signalstore.NewArchiveWriter(db, logger)
	archiveWriter.Start(ctx)
	seedArchive(tenantID, archiveWriter, logger)
	archiveWriter.Close()

	logger.Info("seed-demo: complete", "tenant_id", tenantID)
	return nil
}

func seedTenant(ctx context.Context, db *pgxpool.Pool, logger *slog.Logger) (uuid.UUID, error) {
	var tenantID uuid.UUID
	err := db.QueryRow(ctx, `SELECT id FROM tenants WHERE name = $1`, demoTenantName).Scan(&tenantID)
	if err == nil {
		logger.Info("seed-demo: reusing existing demo tenant", "tenant_id", tenantID)
		return tenantID, nil
	}

	err = db.QueryRow(ctx,
		`INSERT INTO tenants (name) VALUES ($1) RETURNING id`, demoTenantName,
	).Scan(&tenantID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting demo tenant: %w", err)
	}
	logger.Info("seed-demo: created demo tenant", "tenant_id", tenantID)
	return tenantID, nil
}

func seedAPIKey(ctx context.Context, db *pgxpool.Pool, logger *slog.Logger, tenantID uuid.UUID) error {
	var existing int
	if err := db.QueryRow(ctx, `SELECT count(*) FROM api_keys WHERE tenant_id = $1`, tenantID).Scan(&existing); err == nil && existing > 0 {
		logger.Info("seed-demo: demo tenant already has an API key, skipping")
		return nil
	}

	raw, err := randomAPIKey()
	if err != nil {
		return fmt.Errorf("generating API key: %w", err)
	}
	hash := auth.HashAPIKey(raw)
	prefix := raw[:8]

	_, err = db.Exec(ctx,
		`INSERT INTO api_keys (tenant_id, key_hash, key_prefix, role) VALUES ($1, $2, $3, $4)`,
		tenantID, hash, prefix, auth.RoleAdmin)
	if err != nil {
		return fmt.Errorf("inserting API key: %w", err)
	}

	logger.Info("seed-demo: created API key (save this, it will not be shown again)", "api_key", raw)
	return nil
}

func randomAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pg_" + hex.EncodeToString(buf), nil
}

func seedPolicyAndThreshold(ctx context.Context, policies *policy.Store, thresholds *threshold.Store, key policy.Key, ep demoEndpoint) error {
	now := time.Now().UTC()

	pol := policy.Record{
		Key:                     key,
		CacheEnabled:            ep.tier == "standard",
		CircuitBreaker:          false,
		RateLimitEnabled:        true,
		RateLimitCustomerRPM:    threshold.DefaultRateLimitCustomerRPM,
		QueueDeferralRPM:        threshold.DefaultQueueDeferralRPM,
		LoadSheddingRPM:         threshold.DefaultLoadSheddingRPM,
		CacheLatencyMS:          threshold.DefaultCacheLatencyMS,
		CircuitBreakerErrorRate: threshold.DefaultCircuitBreakerErrorRate,
		Reasoning:               "seeded demo default, not yet adapted by the policy engine",
		Version:                 1,
		UpdatedAt:               now,
	}
	if err := policies.Put(ctx, pol); err != nil {
		return err
	}

	thr := threshold.Default(threshold.Key(key))
	thr.Confidence = 0
	thr.LastUpdated = now
	return thresholds.Put(ctx, thr)
}

// seedArchive backfills 48 hourly rollups per endpoint with a lightweight
// day/night traffic curve, so Analytics' TrafficPatterns and Percentiles
// endpoints have something non-empty to return immediately after seeding.
func seedArchive(tenantID uuid.UUID, writer *signalstore.ArchiveWriter, logger *slog.Logger) {
	now := time.Now().UTC().Truncate(time.Hour)

	for _, ep := range demoEndpoints {
		key := signalstore.Key{TenantID: tenantID, ServiceName: ep.service, Endpoint: ep.endpoint}
		for hoursAgo := 48; hoursAgo >= 1; hoursAgo-- {
			bucket := now.Add(-time.Duration(hoursAgo) * time.Hour)
			entry := syntheticHour(key, bucket, ep, hoursAgo)
			writer.Enqueue(entry)
		}
	}
	logger.Info("seed-demo: backfilled archive history", "hours_per_endpoint", 48, "endpoints", len(demoEndpoints))
}

func syntheticHour(key signalstore.Key, bucket time.Time, ep demoEndpoint, hoursAgo int) signalstore.ArchiveEntry {
	loadFactor := 0.4 + 0.6*dayNightCurve(bucket.Hour())
	total := int64(200 * loadFactor)
	errRate := ep.baseError * (1 + 0.3*loadFactor)
	nError := int64(float64(total) * errRate)
	nSuccess := total - nError

	samples := make([]float64, 0, 50)
	for i := 0; i < 50; i++ {
		jitter := math.Sin(float64(hoursAgo+i)) * ep.baseLatency * 0.15
		samples = append(samples, ep.baseLatency*loadFactor+jitter+ep.baseLatency*0.5)
	}
	blob, _ := json.Marshal(samples)

	return signalstore.ArchiveEntry{
		Key:              key,
		HourBucket:       bucket,
		NSuccess:         nSuccess,
		NError:           nError,
		LatencyReservoir: blob,
		RPMTotal:         total,
	}
}

// dayNightCurve returns a value in [0,1] peaking at 14:00 UTC, modeling a
// single daily traffic peak rather than flat synthetic load.
func dayNightCurve(hour int) float64 {
	radians := (float64(hour) - 14) / 24 * 2 * math.Pi
	return (math.Cos(radians) + 1) / 2
}
