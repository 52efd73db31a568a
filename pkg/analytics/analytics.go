// Package analytics serves the historical query surface (spec §4.9):
// traffic-pattern heatmaps and latency percentile time series, computed
// from either the live recent-signal ring or the hourly signals_archive
// table depending on how far back the caller's window reaches.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsegate/controlplane/pkg/reservoir"
	"github.com/pulsegate/controlplane/pkg/signalstore"
)

// maxDays bounds how far back a caller may query, keeping both the raw-ring
// scan and the archive scan proportional to a reasonable window.
const maxDays = 90

// PatternRow is one hour-of-day/day-of-week cell of the traffic heatmap.
type PatternRow struct {
	Hour         int     `json:"hour"`
	DayOfWeek    int     `json:"day_of_week"`
	RequestCount int64   `json:"request_count"`
	AvgLatency   float64 `json:"avg_latency"`
}

// EndpointPercentiles is one endpoint's latency distribution within a
// SeriesPoint.
type EndpointPercentiles struct {
	Endpoint string  `json:"endpoint"`
	P50      float64 `json:"p50"`
	P95      float64 `json:"p95"`
	P99      float64 `json:"p99"`
}

// SeriesPoint is one hour's percentile reading for one service.
type SeriesPoint struct {
	Timestamp   time.Time             `json:"timestamp"`
	ServiceName string                 `json:"service_name"`
	Endpoints   []EndpointPercentiles `json:"endpoints"`
}

// PercentilesResponse is GET /analytics/percentiles' body. Source records
// which data the percentiles were computed from (spec §9's Open Question:
// "raw_signals" when the window fits the in-memory retention horizon,
// "snapshots" when it spans further back into the hourly archive).
type PercentilesResponse struct {
	Data   []SeriesPoint `json:"data"`
	Source string        `json:"source"`
}

const (
	sourceRaw       = "raw_signals"
	sourceSnapshots = "snapshots"
)

// Store computes analytics from the signal store's live ring and the
// Postgres signals_archive table.
type Store struct {
	pool          *pgxpool.Pool
	signals       *signalstore.Store
	retentionDays int
}

// NewStore creates a Store. retentionDays is the in-memory ring's age bound
// (config.Config.SignalRetentionDays): a percentile query whose window fits
// entirely within it reads the live ring; a wider window falls back to the
// archive.
func NewStore(pool *pgxpool.Pool, signals *signalstore.Store, retentionDays int) *Store {
	return &Store{pool: pool, signals: signals, retentionDays: retentionDays}
}

func clampDays(days int) int {
	if days <= 0 {
		return 1
	}
	if days > maxDays {
		return maxDays
	}
	return days
}

// TrafficPatterns computes request_count/avg_latency cells bucketed by
// hour-of-day and day-of-week from the hourly archive (spec §4.9: "computed
// from hourly archives" — traffic patterns are always archive-sourced,
// unlike percentiles, since the heatmap needs history deeper than the
// in-memory ring typically retains to be useful).
func (s *Store) TrafficPatterns(ctx context.Context, tenantID uuid.UUID, days int) ([]PatternRow, error) {
	days = clampDays(days)
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	rows, err := s.pool.Query(ctx, selectArchiveForTrafficSQL, tenantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying signals_archive: %w", err)
	}
	defer rows.Close()

	type cell struct {
		requestCount  int64
		latencySum    float64
		latencyWeight int64
	}
	cells := make(map[[2]int]*cell)

	for rows.Next() {
		var hourBucket time.Time
		var nSuccess, nError, rpmTotal int64
		var blob []byte
		if err := rows.Scan(&hourBucket, &nSuccess, &nError, &rpmTotal, &blob); err != nil {
			return nil, fmt.Errorf("scanning archive row: %w", err)
		}

		key := [2]int{int(hourBucket.Weekday()), hourBucket.Hour()}
		c, ok := cells[key]
		if !ok {
			c = &cell{}
			cells[key] = c
		}

		count := nSuccess + nError
		c.requestCount += count

		if samples := unmarshalSamples(blob); len(samples) > 0 {
			c.latencySum += meanOf(samples) * float64(count)
			c.latencyWeight += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]PatternRow, 0, len(cells))
	for key, c := range cells {
		var avg float64
		if c.latencyWeight > 0 {
			avg = c.latencySum / float64(c.latencyWeight)
		}
		out = append(out, PatternRow{
			DayOfWeek:    key[0],
			Hour:         key[1],
			RequestCount: c.requestCount,
			AvgLatency:   avg,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].Hour < out[j].Hour
	})
	return out, nil
}

// Percentiles computes the per-hour, per-endpoint latency time series for
// tenant (optionally scoped to one service) over the trailing window.
func (s *Store) Percentiles(ctx context.Context, tenantID uuid.UUID, days int, service string) (PercentilesResponse, error) {
	days = clampDays(days)
	if days <= s.retentionDays {
		return s.percentilesFromRaw(tenantID, days, service), nil
	}
	return s.percentilesFromArchive(ctx, tenantID, days, service)
}

func (s *Store) percentilesFromRaw(tenantID uuid.UUID, days int, service string) PercentilesResponse {
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	samples := make(map[bucketKey][]float64)

	for _, key := range s.signals.Keys() {
		if key.TenantID != tenantID {
			continue
		}
		if service != "" && key.ServiceName != service {
			continue
		}
		for _, sig := range s.signals.RecentSlice(key, 0) {
			if sig.Timestamp.Before(cutoff) {
				continue
			}
			bk := bucketKey{hour: sig.Timestamp.Truncate(time.Hour), service: key.ServiceName, endpoint: key.Endpoint}
			samples[bk] = append(samples[bk], sig.LatencyMS)
		}
	}

	return PercentilesResponse{Data: buildSeries(samples), Source: sourceRaw}
}

func (s *Store) percentilesFromArchive(ctx context.Context, tenantID uuid.UUID, days int, service string) (PercentilesResponse, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	var rows pgx.Rows
	var err error
	if service == "" {
		rows, err = s.pool.Query(ctx, selectArchiveForPercentilesSQL, tenantID, cutoff)
	} else {
		rows, err = s.pool.Query(ctx, selectArchiveForPercentilesByServiceSQL, tenantID, service, cutoff)
	}
	if err != nil {
		return PercentilesResponse{}, fmt.Errorf("querying signals_archive: %w", err)
	}
	defer rows.Close()

	samples := make(map[bucketKey][]float64)

	for rows.Next() {
		var hourBucket time.Time
		var serviceName, endpoint string
		var blob []byte
		if err := rows.Scan(&hourBucket, &serviceName, &endpoint, &blob); err != nil {
			return PercentilesResponse{}, fmt.Errorf("scanning archive row: %w", err)
		}
		bk := bucketKey{hour: hourBucket, service: serviceName, endpoint: endpoint}
		samples[bk] = append(samples[bk], unmarshalSamples(blob)...)
	}
	if err := rows.Err(); err != nil {
		return PercentilesResponse{}, err
	}

	return PercentilesResponse{Data: buildSeries(samples), Source: sourceSnapshots}, nil
}

// bucketKey identifies one hour's samples for one (service, endpoint).
type bucketKey struct {
	hour     time.Time
	service  string
	endpoint string
}

// buildSeries collapses a (hour, service, endpoint) -> latencies map into
// the {timestamp, service_name, endpoints} time series shape, merging
// multiple sample sets per bucket via reservoir.Merge before computing
// percentiles.
func buildSeries(samples map[bucketKey][]float64) []SeriesPoint {
	type pointKey struct {
		hour    time.Time
		service string
	}
	points := make(map[pointKey][]EndpointPercentiles)

	for bk, latencies := range samples {
		sorted := reservoir.Merge(latencies)
		ep := EndpointPercentiles{
			Endpoint: bk.endpoint,
			P50:      reservoir.Percentile(sorted, 50),
			P95:      reservoir.Percentile(sorted, 95),
			P99:      reservoir.Percentile(sorted, 99),
		}
		pk := pointKey{hour: bk.hour, service: bk.service}
		points[pk] = append(points[pk], ep)
	}

	out := make([]SeriesPoint, 0, len(points))
	for pk, endpoints := range points {
		sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Endpoint < endpoints[j].Endpoint })
		out = append(out, SeriesPoint{Timestamp: pk.hour, ServiceName: pk.service, Endpoints: endpoints})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ServiceName < out[j].ServiceName
	})
	return out
}

func unmarshalSamples(blob []byte) []float64 {
	var samples []float64
	_ = json.Unmarshal(blob, &samples)
	return samples
}

func meanOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

const selectArchiveForTrafficSQL = `
SELECT hour_bucket, n_success, n_error, rpm_total, latency_reservoir_blob
FROM signals_archive
WHERE tenant_id = $1 AND hour_bucket >= $2
`

const selectArchiveForPercentilesSQL = `
SELECT hour_bucket, service_name, endpoint, latency_reservoir_blob
FROM signals_archive
WHERE tenant_id = $1 AND hour_bucket >= $2
`

const selectArchiveForPercentilesByServiceSQL = `
SELECT hour_bucket, service_name, endpoint, latency_reservoir_blob
FROM signals_archive
WHERE tenant_id = $1 AND service_name = $2 AND hour_bucket >= $3
`
