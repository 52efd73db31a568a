package ingress

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pulsegate/controlplane/internal/apierr"
	"github.com/pulsegate/controlplane/internal/auth"
	"github.com/pulsegate/controlplane/internal/httpserver"
	"github.com/pulsegate/controlplane/pkg/signalstore"
)

// Handler serves POST /signals.
type Handler struct {
	queue *Queue
}

// NewHandler builds a Handler backed by queue.
func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

// Routes mounts the Ingress API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleIngest)
	return r
}

// signalWire is one element of the request batch. tenant_id and timestamp
// are accepted but ignored (spec §6): the server always derives tenant from
// the authenticated caller and always server-stamps the timestamp.
type signalWire struct {
	ServiceName string  `json:"service_name" validate:"required,max=64"`
	Endpoint    string  `json:"endpoint" validate:"required,max=256"`
	LatencyMS   float64 `json:"latency_ms" validate:"gte=0"`
	Status      string  `json:"status" validate:"required,oneof=success error"`
	TenantID    string  `json:"tenant_id,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type ingestRequest struct {
	Signals []signalWire `json:"signals" validate:"required,min=1,dive"`
}

// handleIngest validates, stamps, and enqueues a batch of signals, returning
// 202 without waiting for aggregation (spec §4.6).
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		apierr.Respond(w, apierr.New(apierr.Unauthenticated, "authentication required"))
		return
	}

	var req ingestRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if len(req.Signals) > maxBatchSize {
		apierr.Respond(w, apierr.New(apierr.InvalidInput, "batch exceeds the maximum of 1000 signals"))
		return
	}

	depth := h.queue.Depth(identity.TenantID)
	if depth >= h.queue.Capacity() {
		retryAfterMs := retryAfterFor(depth, h.queue.Capacity())
		w.Header().Set("Retry-After", formatRetryAfterSeconds(retryAfterMs))
		httpserver.Respond(w, http.StatusTooManyRequests, struct {
			RetryAfterMs int `json:"retry_after_ms"`
		}{RetryAfterMs: retryAfterMs})
		return
	}

	accepted := 0
	for _, sw := range req.Signals {
		sig, err := signalstore.NewSignal(identity.TenantID, sw.ServiceName, sw.Endpoint, sw.LatencyMS, signalstore.Status(sw.Status))
		if err != nil {
			apierr.Respond(w, apierr.New(apierr.InvalidInput, err.Error()))
			return
		}
		if h.queue.Enqueue(sig) {
			accepted++
		}
	}

	httpserver.Respond(w, http.StatusAccepted, struct {
		Accepted int `json:"accepted"`
	}{Accepted: accepted})
}

// retryAfterFor scales linearly from 100ms at just-over-capacity to 5000ms
// at twice capacity, so a caller backing off proportionally to the signal
// relaxes its retry rate as the backlog clears rather than hammering a
// queue that is barely over its limit as hard as one badly overloaded.
func retryAfterFor(depth, capacity int) int {
	if capacity <= 0 {
		return 1000
	}
	const minMs, maxMs = 100, 5000
	ratio := float64(depth-capacity) / float64(capacity)
	ms := int(minMs + (maxMs-minMs)*ratio)
	if ms < minMs {
		return minMs
	}
	if ms > maxMs {
		return maxMs
	}
	return ms
}

func formatRetryAfterSeconds(ms int) string {
	seconds := ms / 1000
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
