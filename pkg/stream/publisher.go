package stream

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/pkg/aggregate"
	"github.com/pulsegate/controlplane/pkg/policy"
)

// publishTick is spec §4.8's "one event per second" cadence for
// /sse/services and /sse/overall.
const publishTick = 1 * time.Second

// Overall is the tenant-wide health rollup spec §4.8 references as "the
// overall block" without spelling out its fields; this shape is the
// natural aggregate of aggregate.ServiceSnapshot across every service a
// tenant has sent signals for.
type Overall struct {
	TotalSignals  int64   `json:"total_signals"`
	ErrorRate     float64 `json:"error_rate"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	ServiceCount  int     `json:"service_count"`
	HealthyCount  int     `json:"healthy_count"`
	DegradedCount int     `json:"degraded_count"`
	DownCount     int     `json:"down_count"`
}

// ServicesPayload is the /sse/services event body: every service snapshot
// plus the same Overall block /sse/overall serves standalone.
type ServicesPayload struct {
	Services []aggregate.ServiceSnapshot `json:"services"`
	Overall  Overall                     `json:"overall"`
}

// Publisher periodically groups the Aggregator's per-key snapshots by
// tenant and service, then publishes to the Hub. It owns no subscriber
// state itself — that's the Hub's job — so it can be swapped or tested
// independently of the SSE transport.
type Publisher struct {
	hub        *Hub
	aggregator *aggregate.Aggregator
	policies   *policy.Store
}

// NewPublisher builds a Publisher. policies supplies each endpoint's
// cache_latency_ms for the degraded classification
// (aggregate.BuildServiceSnapshot); it may be nil, in which case every
// endpoint is treated as having no configured threshold.
func NewPublisher(hub *Hub, aggregator *aggregate.Aggregator, policies *policy.Store) *Publisher {
	return &Publisher{hub: hub, aggregator: aggregator, policies: policies}
}

// Run drives the publish loop until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(publishTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.publishAll(now.UTC())
		}
	}
}

type serviceGroup struct {
	tenant  uuid.UUID
	service string
}

// groupByTenant partitions every tracked key's snapshot by (tenant, service).
func (p *Publisher) groupByTenant(now time.Time) map[uuid.UUID][]aggregate.ServiceSnapshot {
	grouped := make(map[serviceGroup][]aggregate.Snapshot)
	for _, key := range p.aggregator.Keys() {
		g := serviceGroup{tenant: key.TenantID, service: key.ServiceName}
		grouped[g] = append(grouped[g], p.aggregator.Snapshot(key))
	}

	byTenant := make(map[uuid.UUID][]aggregate.ServiceSnapshot)
	for g, snaps := range grouped {
		cacheLatencyMS := p.cacheLatencyMSByEndpoint(g.tenant, g.service, snaps)
		ss := aggregate.BuildServiceSnapshot(g.service, snaps, cacheLatencyMS, now)
		byTenant[g.tenant] = append(byTenant[g.tenant], ss)
	}
	return byTenant
}

// publishAll builds and publishes both events for every tenant with at
// least one tracked key.
func (p *Publisher) publishAll(now time.Time) {
	for tenant, services := range p.groupByTenant(now) {
		overall := buildOverall(services)
		payload := ServicesPayload{Services: services, Overall: overall}
		p.hub.Publish(tenant, KindServices, "services", payload)
		p.hub.Publish(tenant, KindOverall, "overall", overall)
	}
}

// SnapshotForTenant builds tenant's current ServicesPayload without waiting
// for the next publish tick, for the immediate snapshot spec §4.8 requires
// on connect. ok is false if the tenant has no tracked keys yet.
func (p *Publisher) SnapshotForTenant(tenant uuid.UUID, now time.Time) (payload ServicesPayload, ok bool) {
	services, found := p.groupByTenant(now)[tenant]
	if !found {
		return ServicesPayload{}, false
	}
	return ServicesPayload{Services: services, Overall: buildOverall(services)}, true
}

func (p *Publisher) cacheLatencyMSByEndpoint(tenant uuid.UUID, service string, snaps []aggregate.Snapshot) map[string]float64 {
	out := make(map[string]float64, len(snaps))
	if p.policies == nil {
		return out
	}
	for _, snap := range snaps {
		rec := p.policies.Get(policy.Key{TenantID: tenant, ServiceName: service, Endpoint: snap.Key.Endpoint})
		if rec.CacheLatencyMS > 0 {
			out[snap.Key.Endpoint] = rec.CacheLatencyMS
		}
	}
	return out
}

func buildOverall(services []aggregate.ServiceSnapshot) Overall {
	var o Overall
	var totalLatency float64
	var latencyCount int

	for _, s := range services {
		o.TotalSignals += s.TotalSignals
		o.ServiceCount++
		switch s.Status {
		case aggregate.ServiceHealthy:
			o.HealthyCount++
		case aggregate.ServiceDegraded:
			o.DegradedCount++
		case aggregate.ServiceDown:
			o.DownCount++
		}
		if s.AvgLatencyMS > 0 {
			totalLatency += s.AvgLatencyMS
			latencyCount++
		}
	}

	if latencyCount > 0 {
		o.AvgLatencyMS = totalLatency / float64(latencyCount)
	}

	var totalErrorWeighted float64
	for _, s := range services {
		totalErrorWeighted += s.ErrorRate * float64(s.TotalSignals)
	}
	if o.TotalSignals > 0 {
		o.ErrorRate = totalErrorWeighted / float64(o.TotalSignals)
	}

	return o
}
