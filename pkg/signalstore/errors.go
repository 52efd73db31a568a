package signalstore

import "errors"

var (
	ErrInvalidServiceName = errors.New("service_name must be 1-64 characters")
	ErrInvalidEndpoint    = errors.New("endpoint must be 1-256 characters")
	ErrInvalidLatency     = errors.New("latency_ms must be non-negative and at most 1e7")
	ErrInvalidStatus      = errors.New("status must be one of: success, error")
)
