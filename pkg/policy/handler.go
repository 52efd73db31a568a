package policy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pulsegate/controlplane/internal/apierr"
	"github.com/pulsegate/controlplane/internal/auth"
	"github.com/pulsegate/controlplane/internal/httpserver"
)

// Handler serves the Config API: the hot-path read the Client Runtime
// polls for its effective Policy (spec §4.7).
type Handler struct {
	store *Store
}

// NewHandler builds a Handler backed by store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Routes mounts GET /{service}/* — the endpoint is the wildcard remainder
// so values containing slashes (e.g. "/users/123") round-trip unchanged.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{service}/*", h.handleGet)
	return r
}

// handleGet serves the caller's current Policy for one (service, endpoint).
// Unknown keys fall back to SafeDefault inside Store.Get, so this handler
// never returns 404 for a key that simply has no policy yet (spec §4.7).
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		apierr.Respond(w, apierr.New(apierr.Unauthenticated, "authentication required"))
		return
	}

	service := chi.URLParam(r, "service")
	endpoint := "/" + chi.URLParam(r, "*")

	rec := h.store.Get(Key{TenantID: identity.TenantID, ServiceName: service, Endpoint: endpoint})
	httpserver.Respond(w, http.StatusOK, toWire(rec))
}

// wire is the GET /config/{service}/{endpoint} response shape, spec §6.
type wire struct {
	ServiceName             string    `json:"service_name"`
	Endpoint                string    `json:"endpoint"`
	TenantID                uuid.UUID `json:"tenant_id"`
	CacheEnabled            bool    `json:"cache_enabled"`
	CircuitBreaker          bool    `json:"circuit_breaker"`
	RateLimitEnabled        bool    `json:"rate_limit_enabled"`
	RateLimitCustomerRPM    float64 `json:"rate_limit_customer_rpm"`
	QueueDeferralRPM        float64 `json:"queue_deferral_rpm"`
	LoadSheddingRPM         float64 `json:"load_shedding_rpm"`
	CacheLatencyMS          float64 `json:"cache_latency_ms"`
	CircuitBreakerErrorRate float64 `json:"circuit_breaker_error_rate"`
	Reasoning               string  `json:"reasoning"`
	Version                 int64   `json:"version"`
}

func toWire(rec Record) wire {
	return wire{
		ServiceName:             rec.Key.ServiceName,
		Endpoint:                rec.Key.Endpoint,
		TenantID:                rec.Key.TenantID,
		CacheEnabled:            rec.CacheEnabled,
		CircuitBreaker:          rec.CircuitBreaker,
		RateLimitEnabled:        rec.RateLimitEnabled,
		RateLimitCustomerRPM:    rec.RateLimitCustomerRPM,
		QueueDeferralRPM:        rec.QueueDeferralRPM,
		LoadSheddingRPM:         rec.LoadSheddingRPM,
		CacheLatencyMS:          rec.CacheLatencyMS,
		CircuitBreakerErrorRate: rec.CircuitBreakerErrorRate,
		Reasoning:               rec.Reasoning,
		Version:                 rec.Version,
	}
}
