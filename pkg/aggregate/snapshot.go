package aggregate

import (
	"time"

	"github.com/pulsegate/controlplane/pkg/signalstore"
)

// Snapshot is an immutable value copy of an EndpointAggregate at a point in
// time (GLOSSARY: "Snapshot: immutable value copy of an EndpointAggregate
// at a point in time"). No locks are held while a Snapshot is being read.
type Snapshot struct {
	Key signalstore.Key

	NSuccess int64
	NError   int64

	WindowSuccess int64
	WindowError   int64

	AvgLatencyMS  float64
	HasAvgLatency bool

	ErrorRate    float64
	HasErrorRate bool

	P50, P95, P99 float64

	RPM int64

	LastSignalAt time.Time
	Timestamp    time.Time

	// InsufficientData marks a snapshot whose tick-window saw fewer than 20
	// samples; the Policy Engine must not downgrade an existing policy on
	// such a snapshot (spec §4.2).
	InsufficientData bool
}

// ServiceStatus is the health classification in a ServiceSnapshot.
type ServiceStatus string

const (
	ServiceHealthy  ServiceStatus = "healthy"
	ServiceDegraded ServiceStatus = "degraded"
	ServiceDown     ServiceStatus = "down"
)

// EndpointSummary is one endpoint's contribution to a ServiceSnapshot.
type EndpointSummary struct {
	Endpoint     string    `json:"endpoint"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	ErrorRate    float64   `json:"error_rate"`
	RPM          int64     `json:"rpm"`
	LastSignalAt time.Time `json:"last_signal_at"`
}

// ServiceSnapshot is computed on demand per spec §3: aggregate health across
// every endpoint of one service within one tenant.
type ServiceSnapshot struct {
	Service      string            `json:"service"`
	Status       ServiceStatus     `json:"status"`
	TotalSignals int64             `json:"total_signals"`
	AvgLatencyMS float64           `json:"avg_latency"`
	ErrorRate    float64           `json:"error_rate"`
	Endpoints    []EndpointSummary `json:"endpoints"`
}

// serviceDownAfter is spec §3's "down if last_signal_at > 5 min ago".
const serviceDownAfter = 5 * time.Minute

// degradedErrorRate and degradedLatencyMultiple implement spec §3's
// "degraded if error_rate > 0.1 or avg_latency > 2x cache_latency_ms".
const degradedErrorRate = 0.1
const degradedLatencyMultiple = 2.0

// BuildServiceSnapshot classifies a service's health from its endpoint
// snapshots and each endpoint's configured cache_latency_ms threshold
// (cacheLatencyMS maps endpoint -> threshold; a missing entry is treated as
// "no cache threshold configured", which only affects the latency half of
// the degraded test).
func BuildServiceSnapshot(service string, snaps []Snapshot, cacheLatencyMS map[string]float64, now time.Time) ServiceSnapshot {
	ss := ServiceSnapshot{Service: service, Status: ServiceHealthy}

	var totalLatency float64
	var latencyCount int64
	var totalSuccess, totalError int64
	var lastSignalAt time.Time

	for _, snap := range snaps {
		var errorRate float64
		if snap.HasErrorRate {
			errorRate = snap.ErrorRate
		}

		ss.Endpoints = append(ss.Endpoints, EndpointSummary{
			Endpoint:     snap.Key.Endpoint,
			AvgLatencyMS: snap.AvgLatencyMS,
			ErrorRate:    errorRate,
			RPM:          snap.RPM,
			LastSignalAt: snap.LastSignalAt,
		})

		ss.TotalSignals += snap.NSuccess + snap.NError
		totalSuccess += snap.NSuccess
		totalError += snap.NError
		if snap.HasAvgLatency {
			totalLatency += snap.AvgLatencyMS
			latencyCount++
		}
		if snap.LastSignalAt.After(lastSignalAt) {
			lastSignalAt = snap.LastSignalAt
		}

		threshold, hasThreshold := cacheLatencyMS[snap.Key.Endpoint]
		if now.Sub(snap.LastSignalAt) <= serviceDownAfter {
			if errorRate > degradedErrorRate {
				ss.Status = ServiceDegraded
			}
			if hasThreshold && snap.AvgLatencyMS > degradedLatencyMultiple*threshold {
				ss.Status = ServiceDegraded
			}
		}
	}

	if latencyCount > 0 {
		ss.AvgLatencyMS = totalLatency / float64(latencyCount)
	}
	if total := totalSuccess + totalError; total > 0 {
		ss.ErrorRate = float64(totalError) / float64(total)
	}

	if lastSignalAt.IsZero() || now.Sub(lastSignalAt) > serviceDownAfter {
		ss.Status = ServiceDown
	}

	return ss
}
