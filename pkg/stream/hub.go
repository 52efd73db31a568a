// Package stream implements the Stream Hub (C8): in-process SSE fan-out of
// service snapshots, overall metrics, and a live signal tail, scoped per
// tenant.
package stream

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/internal/telemetry"
)

// Kind is one of the three SSE streams spec §4.8 defines.
type Kind string

const (
	KindServices Kind = "services"
	KindOverall  Kind = "overall"
	KindSignals  Kind = "signals"
)

// subscriberBuffer is the per-connection bounded channel size. Spec §4.8:
// "if a slow consumer's channel fills, the server drops the oldest pending
// event ... and sends a single lag event". A small buffer makes that
// condition reachable in practice for a genuinely slow consumer without
// dropping events under ordinary jitter.
const subscriberBuffer = 32

// event is what's delivered to a subscriber: either a normal payload or a
// lag notice.
type event struct {
	name string
	data any
}

// subscriber is one open SSE connection's delivery channel.
type subscriber struct {
	ch      chan event
	dropped int
	mu      sync.Mutex
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan event, subscriberBuffer)}
}

// deliver enqueues evt without blocking. If the channel is full, it drops
// the oldest pending event (not evt itself) to make room, matching spec
// §4.8's "drops the oldest pending event for that connection" rather than
// dropping the newest.
func (s *subscriber) deliver(evt event, stream string) {
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}

		select {
		case <-s.ch:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			telemetry.SSELagEventsTotal.WithLabelValues(stream).Inc()
		default:
			return
		}
	}
}

// takeDropped returns and resets the drop count, for building a lag event.
func (s *subscriber) takeDropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.dropped
	s.dropped = 0
	return n
}

// topic is a (tenant, kind) pair's subscriber registry.
type topic struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func newTopic() *topic {
	return &topic{subs: make(map[*subscriber]struct{})}
}

func (t *topic) add(s *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[s] = struct{}{}
}

func (t *topic) remove(s *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

func (t *topic) broadcast(evt event, stream string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for s := range t.subs {
		s.deliver(evt, stream)
	}
}

type topicKey struct {
	tenant uuid.UUID
	kind   Kind
}

// Hub owns every (tenant, kind) topic's subscriber set.
type Hub struct {
	mu     sync.Mutex
	topics map[topicKey]*topic
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[topicKey]*topic)}
}

func (h *Hub) topicFor(tenant uuid.UUID, kind Kind) *topic {
	key := topicKey{tenant, kind}

	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[key]
	if !ok {
		t = newTopic()
		h.topics[key] = t
	}
	return t
}

// Publish broadcasts data under eventName to every subscriber of
// (tenant, kind).
func (h *Hub) Publish(tenant uuid.UUID, kind Kind, eventName string, data any) {
	h.topicFor(tenant, kind).broadcast(event{name: eventName, data: data}, string(kind))
}

// subscription is returned by Subscribe; callers range over Events and must
// call Close when the connection ends.
type subscription struct {
	hub *Hub
	key topicKey
	sub *subscriber
}

// Subscribe registers a new connection for (tenant, kind) and returns a
// subscription whose Events channel delivers fan-out events.
func (h *Hub) Subscribe(tenant uuid.UUID, kind Kind) *subscription {
	sub := newSubscriber()
	h.topicFor(tenant, kind).add(sub)
	telemetry.SSEConnectionsActive.WithLabelValues(string(kind)).Inc()
	return &subscription{hub: h, key: topicKey{tenant, kind}, sub: sub}
}

// Events returns the channel events are delivered on.
func (s *subscription) Events() <-chan event { return s.sub.ch }

// TakeDropped returns and resets the count of events dropped for this
// subscription since the last call.
func (s *subscription) TakeDropped() int { return s.sub.takeDropped() }

// Close unregisters the subscription.
func (s *subscription) Close() {
	s.hub.topicFor(s.key.tenant, s.key.kind).remove(s.sub)
	telemetry.SSEConnectionsActive.WithLabelValues(string(s.key.kind)).Dec()
}
