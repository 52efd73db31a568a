// Package ingress implements the Ingress API (C6): validating, enqueuing,
// and fast-acknowledging inbound signals from instrumented client libraries.
package ingress

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/internal/telemetry"
	"github.com/pulsegate/controlplane/pkg/signalstore"
)

// maxBatchSize is spec §4.6: "body is one or a batch of signals (≤ 1000 per
// batch)".
const maxBatchSize = 1000

// perTenantQueueSize bounds each tenant's enqueue buffer; spec §4.6's
// back-pressure rule ("if C1's per-tenant queue is full, respond 429") is
// only meaningful if the queue has a real, finite size.
const perTenantQueueSize = 10_000

// Sink is what a drained signal is handed to — the Aggregator's Record plus
// the Signal Store's Append, composed by the caller (app wiring), not by
// this package, so Queue has no direct dependency on either.
type Sink func(signalstore.Signal)

// Queue is a per-tenant bounded signal queue with a background drain loop.
// It exists to decouple "accepted the HTTP request" from "folded into the
// aggregate", satisfying spec §4.6's fast-ack / §5's "ingress handlers
// suspend only on the per-tenant queue enqueue" contract.
type Queue struct {
	sink Sink

	mu      sync.Mutex
	tenants map[uuid.UUID]chan signalstore.Signal

	wg sync.WaitGroup
}

// NewQueue creates a Queue. Every accepted signal is eventually passed to
// sink from a per-tenant background goroutine.
func NewQueue(sink Sink) *Queue {
	return &Queue{
		sink:    sink,
		tenants: make(map[uuid.UUID]chan signalstore.Signal),
	}
}

// channelFor returns (creating and starting a drain goroutine for, if
// absent) the queue channel for tenantID.
func (q *Queue) channelFor(tenantID uuid.UUID) chan signalstore.Signal {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.tenants[tenantID]
	if ok {
		return ch
	}

	ch = make(chan signalstore.Signal, perTenantQueueSize)
	q.tenants[tenantID] = ch
	q.wg.Add(1)
	go q.drain(ch)
	return ch
}

func (q *Queue) drain(ch chan signalstore.Signal) {
	defer q.wg.Done()
	for sig := range ch {
		q.sink(sig)
	}
}

// Depth returns the current number of signals queued for tenantID, used to
// compute the 429 Retry-After value proportional to backlog.
func (q *Queue) Depth(tenantID uuid.UUID) int {
	q.mu.Lock()
	ch, ok := q.tenants[tenantID]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ch)
}

// Capacity returns the fixed per-tenant queue capacity.
func (q *Queue) Capacity() int { return perTenantQueueSize }

// Enqueue attempts to enqueue sig without blocking. It returns false if the
// tenant's queue is full, in which case the caller should respond 429.
func (q *Queue) Enqueue(sig signalstore.Signal) bool {
	ch := q.channelFor(sig.TenantID)
	select {
	case ch <- sig:
		telemetry.SignalsIngestedTotal.WithLabelValues(sig.TenantID.String()).Inc()
		return true
	default:
		telemetry.SignalsDroppedTotal.WithLabelValues("queue_full").Inc()
		return false
	}
}

// Close closes every tenant channel and waits for drain goroutines to
// finish processing what's already queued.
func (q *Queue) Close(_ context.Context) {
	q.mu.Lock()
	for _, ch := range q.tenants {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
