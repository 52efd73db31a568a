// Package signalstore holds the recent, in-memory window of per-endpoint
// signals and archives compacted hourly rollups to Postgres.
package signalstore

import (
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of one observed request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// maxServiceNameLen and maxEndpointLen bound the fields clients may send,
// matching the data model's stated limits.
const (
	maxServiceNameLen = 64
	maxEndpointLen    = 256
	maxLatencyMS      = 1e7
)

// Signal is one immutable observation for a (tenant, service, endpoint).
// Timestamp is always server-stamped on ingress; any client-supplied value
// is discarded before the Signal is constructed.
type Signal struct {
	TenantID    uuid.UUID
	ServiceName string
	Endpoint    string
	LatencyMS   float64
	Status      Status
	Timestamp   time.Time
}

// Key identifies one endpoint's aggregation unit.
type Key struct {
	TenantID    uuid.UUID
	ServiceName string
	Endpoint    string
}

// NewSignal validates and stamps a client-submitted observation. It never
// trusts a caller-supplied timestamp, per the data model's invariant that
// timestamp is server-stamped on ingress.
func NewSignal(tenantID uuid.UUID, serviceName, endpoint string, latencyMS float64, status Status) (Signal, error) {
	if len(serviceName) == 0 || len(serviceName) > maxServiceNameLen {
		return Signal{}, ErrInvalidServiceName
	}
	if len(endpoint) == 0 || len(endpoint) > maxEndpointLen {
		return Signal{}, ErrInvalidEndpoint
	}
	if latencyMS < 0 || latencyMS > maxLatencyMS {
		return Signal{}, ErrInvalidLatency
	}
	if status != StatusSuccess && status != StatusError {
		return Signal{}, ErrInvalidStatus
	}

	return Signal{
		TenantID:    tenantID,
		ServiceName: serviceName,
		Endpoint:    endpoint,
		LatencyMS:   latencyMS,
		Status:      status,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Key returns the aggregation key for s.
func (s Signal) Key() Key {
	return Key{TenantID: s.TenantID, ServiceName: s.ServiceName, Endpoint: s.Endpoint}
}
