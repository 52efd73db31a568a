package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every router.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "pulsegate",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// SignalsIngestedTotal counts signals accepted by the ingress API.
var SignalsIngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pulsegate",
		Subsystem: "ingress",
		Name:      "signals_ingested_total",
		Help:      "Total number of signals accepted by the ingress API.",
	},
	[]string{"tenant"},
)

// SignalsDroppedTotal counts dropped signals and archive rollups, labelled by
// reason: a full per-tenant ingress queue, a full per-key recent ring, a full
// archive writer buffer (archive_buffer_full), or an archive batch that
// exhausted its retries (archive_write_failed).
var SignalsDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pulsegate",
		Subsystem: "ingress",
		Name:      "signals_dropped_total",
		Help:      "Total number of signals dropped before aggregation.",
	},
	[]string{"reason"},
)

// AggregatorErrorsTotal records non-fatal aggregator errors, per spec §7
// ("the Aggregator's errors are never surfaced to callers").
var AggregatorErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pulsegate",
		Subsystem: "aggregator",
		Name:      "errors_total",
		Help:      "Total number of non-fatal aggregator errors by kind.",
	},
	[]string{"kind"},
)

// PolicyVersionBumpsTotal counts policy writes that changed a key's version.
var PolicyVersionBumpsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pulsegate",
		Subsystem: "policy",
		Name:      "version_bumps_total",
		Help:      "Total number of policy records whose version changed.",
	},
	[]string{"flag"},
)

// InsightsRecordedTotal counts AIInsight events recorded, by type.
var InsightsRecordedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pulsegate",
		Subsystem: "insight",
		Name:      "recorded_total",
		Help:      "Total number of AIInsight events recorded, by type.",
	},
	[]string{"type"},
)

// SSEConnectionsActive tracks currently open SSE connections, by stream.
var SSEConnectionsActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "pulsegate",
		Subsystem: "sse",
		Name:      "connections_active",
		Help:      "Number of currently open SSE connections, by stream.",
	},
	[]string{"stream"},
)

// SSELagEventsTotal counts lag events sent to slow SSE consumers.
var SSELagEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pulsegate",
		Subsystem: "sse",
		Name:      "lag_events_total",
		Help:      "Total number of lag events sent to slow SSE consumers.",
	},
	[]string{"stream"},
)

// All returns every pulsegate-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		SignalsIngestedTotal,
		SignalsDroppedTotal,
		AggregatorErrorsTotal,
		PolicyVersionBumpsTotal,
		InsightsRecordedTotal,
		SSEConnectionsActive,
		SSELagEventsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
