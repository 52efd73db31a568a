package insight

import (
	"net/http"

	"github.com/pulsegate/controlplane/internal/apierr"
	"github.com/pulsegate/controlplane/internal/auth"
	"github.com/pulsegate/controlplane/internal/httpserver"
)

// Handler serves the AI Insights read API.
type Handler struct {
	store *Store
}

// NewHandler builds a Handler backed by store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// ListInsights handles GET /ai/insights?service=&limit=&after=, returning the
// authenticated tenant's most recent insights. limit and after follow the
// same cursor pagination as the rest of the API: pass the previous response's
// next_cursor back as after to walk further into the 30-day retention window.
func (h *Handler) ListInsights(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		apierr.Respond(w, apierr.New(apierr.Unauthenticated, "authentication required"))
		return
	}

	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		apierr.Respond(w, apierr.New(apierr.InvalidInput, err.Error()))
		return
	}
	service := r.URL.Query().Get("service")

	records, err := h.store.List(r.Context(), identity.TenantID, service, params.Limit+1, params.After)
	if err != nil {
		apierr.Respond(w, apierr.Wrap(apierr.Internal, "listing insights", err))
		return
	}

	page := httpserver.NewCursorPage(records, params.Limit, func(rec Record) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
	})

	httpserver.Respond(w, http.StatusOK, struct {
		Insights   []Record `json:"insights"`
		Total      int      `json:"total"`
		NextCursor *string  `json:"next_cursor,omitempty"`
		HasMore    bool     `json:"has_more"`
	}{Insights: page.Items, Total: len(page.Items), NextCursor: page.NextCursor, HasMore: page.HasMore})
}
