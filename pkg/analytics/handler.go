package analytics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pulsegate/controlplane/internal/apierr"
	"github.com/pulsegate/controlplane/internal/auth"
	"github.com/pulsegate/controlplane/internal/httpserver"
)

var errInvalidDays = errors.New("days must be a positive integer")

const defaultDays = 7

// Handler serves the Analytics API (spec §4.9).
type Handler struct {
	store *Store
}

// NewHandler builds a Handler.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Routes mounts the Analytics API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/traffic-patterns", h.handleTrafficPatterns)
	r.Get("/percentiles", h.handlePercentiles)
	return r
}

func (h *Handler) handleTrafficPatterns(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		apierr.Respond(w, apierr.New(apierr.Unauthenticated, "authentication required"))
		return
	}

	days, err := parseDays(r)
	if err != nil {
		apierr.Respond(w, apierr.New(apierr.InvalidInput, err.Error()))
		return
	}

	patterns, err := h.store.TrafficPatterns(r.Context(), identity.TenantID, days)
	if err != nil {
		apierr.Respond(w, apierr.Wrap(apierr.Internal, "computing traffic patterns", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, struct {
		Patterns []PatternRow `json:"patterns"`
	}{Patterns: patterns})
}

func (h *Handler) handlePercentiles(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		apierr.Respond(w, apierr.New(apierr.Unauthenticated, "authentication required"))
		return
	}

	days, err := parseDays(r)
	if err != nil {
		apierr.Respond(w, apierr.New(apierr.InvalidInput, err.Error()))
		return
	}
	service := r.URL.Query().Get("service")

	resp, err := h.store.Percentiles(r.Context(), identity.TenantID, days, service)
	if err != nil {
		apierr.Respond(w, apierr.Wrap(apierr.Internal, "computing percentiles", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func parseDays(r *http.Request) (int, error) {
	v := r.URL.Query().Get("days")
	if v == "" {
		return defaultDays, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errInvalidDays
	}
	return n, nil
}

