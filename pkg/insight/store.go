package insight

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsegate/controlplane/internal/httpserver"
	"github.com/pulsegate/controlplane/internal/telemetry"
)

// retention is spec §3's "30-day retention" for AIInsight rows.
const retention = 30 * 24 * time.Hour

// Store is a thin, append-only Postgres store for AIInsight events. Writes
// are infrequent (at most a handful per endpoint per 10s policy-cadence
// evaluation) so, unlike pkg/signalstore's high-volume archive writer, Append
// writes synchronously rather than batching through a buffered channel.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append persists rec, stamping ID and CreatedAt if unset.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Description = clampDescription(rec.Description)

	_, err := s.pool.Exec(ctx, insertInsightSQL,
		rec.ID, rec.TenantID, rec.Type, rec.Service, rec.Endpoint, rec.Description, rec.Confidence, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting insight: %w", err)
	}
	telemetry.InsightsRecordedTotal.WithLabelValues(string(rec.Type)).Inc()
	return nil
}

// List returns up to limit insights for tenant, optionally filtered to one
// service and to those older than after (keyset pagination), newest first —
// backing GET /ai/insights. Callers walking multiple pages should request
// limit+1 rows so they can tell whether another page follows.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID, service string, limit int, after *httpserver.Cursor) ([]Record, error) {
	var rows pgx.Rows
	var err error
	switch {
	case service == "" && after == nil:
		rows, err = s.pool.Query(ctx, selectInsightsSQL, tenantID, limit)
	case service == "" && after != nil:
		rows, err = s.pool.Query(ctx, selectInsightsAfterSQL, tenantID, after.CreatedAt, after.ID, limit)
	case service != "" && after == nil:
		rows, err = s.pool.Query(ctx, selectInsightsByServiceSQL, tenantID, service, limit)
	default:
		rows, err = s.pool.Query(ctx, selectInsightsByServiceAfterSQL, tenantID, service, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying insights: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Type, &rec.Service, &rec.Endpoint, &rec.Description, &rec.Confidence, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning insight row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneExpired deletes insights older than the 30-day retention window. The
// app calls it once a day (runInsightPruning) in both api and worker modes.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteExpiredInsightsSQL, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("pruning insights: %w", err)
	}
	return tag.RowsAffected(), nil
}

const insertInsightSQL = `
INSERT INTO insights (id, tenant_id, insight_type, service_name, endpoint, description, confidence, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const selectInsightsSQL = `
SELECT id, tenant_id, insight_type, service_name, endpoint, description, confidence, created_at
FROM insights
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2
`

const selectInsightsByServiceSQL = `
SELECT id, tenant_id, insight_type, service_name, endpoint, description, confidence, created_at
FROM insights
WHERE tenant_id = $1 AND service_name = $2
ORDER BY created_at DESC
LIMIT $3
`

const selectInsightsAfterSQL = `
SELECT id, tenant_id, insight_type, service_name, endpoint, description, confidence, created_at
FROM insights
WHERE tenant_id = $1 AND (created_at, id) < ($2, $3)
ORDER BY created_at DESC, id DESC
LIMIT $4
`

const selectInsightsByServiceAfterSQL = `
SELECT id, tenant_id, insight_type, service_name, endpoint, description, confidence, created_at
FROM insights
WHERE tenant_id = $1 AND service_name = $2 AND (created_at, id) < ($3, $4)
ORDER BY created_at DESC, id DESC
LIMIT $5
`

const deleteExpiredInsightsSQL = `
DELETE FROM insights WHERE created_at < $1
`
