package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/internal/apierr"
	"github.com/pulsegate/controlplane/internal/auth"
	"github.com/pulsegate/controlplane/pkg/signalstore"
)

// heartbeatInterval is spec §4.8's "every 15s, send a comment line to keep
// the connection alive through intermediate proxies."
const heartbeatInterval = 15 * time.Second

// Handler serves the three SSE endpoints in spec §4.8.
type Handler struct {
	hub       *Hub
	publisher *Publisher
}

// NewHandler builds a Handler. publisher supplies the immediate
// snapshot-on-connect payload for /sse/services and /sse/overall; it may be
// nil in tests that only exercise /sse/signals.
func NewHandler(hub *Hub, publisher *Publisher) *Handler {
	return &Handler{hub: hub, publisher: publisher}
}

// Routes mounts the Stream Hub API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/services", h.handle(KindServices))
	r.Get("/overall", h.handle(KindOverall))
	r.Get("/signals", h.handle(KindSignals))
	return r
}

// handle returns a handler that upgrades to SSE and streams kind's events
// for the caller's tenant until the connection closes.
func (h *Handler) handle(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := auth.FromContext(r.Context())
		if identity == nil {
			apierr.Respond(w, apierr.New(apierr.Unauthenticated, "authentication required"))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			apierr.Respond(w, apierr.New(apierr.Internal, "streaming not supported"))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := h.hub.Subscribe(identity.TenantID, kind)
		defer sub.Close()

		h.sendInitialSnapshot(w, identity.TenantID, kind)
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": hb\n\n")
				flusher.Flush()
			case evt, open := <-sub.Events():
				if !open {
					return
				}
				writeEvent(w, evt.name, evt.data)
				flusher.Flush()

				if dropped := sub.TakeDropped(); dropped > 0 {
					writeEvent(w, "lag", lagEvent{Dropped: dropped})
					flusher.Flush()
				}
			}
		}
	}
}

// sendInitialSnapshot delivers the current state immediately on connect
// (spec §4.8: "on connect, the server sends the current snapshot before
// resuming its normal cadence") rather than making the caller wait up to a
// full publish tick for its first event. /sse/signals has no "current
// state" to snapshot, so it's skipped there.
func (h *Handler) sendInitialSnapshot(w http.ResponseWriter, tenant uuid.UUID, kind Kind) {
	if h.publisher == nil || kind == KindSignals {
		return
	}

	payload, ok := h.publisher.SnapshotForTenant(tenant, time.Now().UTC())
	if !ok {
		return
	}

	switch kind {
	case KindServices:
		writeEvent(w, "services", payload)
	case KindOverall:
		writeEvent(w, "overall", payload.Overall)
	}
}

// lagEvent is the body of the single "lag" event spec §4.8 requires when a
// slow consumer's buffer overflows.
type lagEvent struct {
	Dropped int `json:"dropped"`
}

// writeEvent writes one SSE frame: "event: <name>\ndata: <json>\n\n".
func writeEvent(w http.ResponseWriter, name string, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body)
}

// PublishSignal fans a single ingested signal out to the tenant's
// /sse/signals subscribers. Called from the ingress pipeline as a tee off
// the main aggregation sink, not from the 1s Publisher cadence.
func (h *Handler) PublishSignal(sig signalstore.Signal) {
	h.hub.Publish(sig.TenantID, KindSignals, "signal", signalWire{
		ServiceName: sig.ServiceName,
		Endpoint:    sig.Endpoint,
		LatencyMS:   sig.LatencyMS,
		Status:      string(sig.Status),
		Timestamp:   sig.Timestamp,
	})
}

type signalWire struct {
	ServiceName string    `json:"service_name"`
	Endpoint    string    `json:"endpoint"`
	LatencyMS   float64   `json:"latency_ms"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}
