package threshold

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/pulsegate/controlplane/internal/apierr"
	"github.com/pulsegate/controlplane/internal/auth"
	"github.com/pulsegate/controlplane/internal/httpserver"
)

// Handler serves the adaptive threshold read API, letting operators see what
// the Policy Engine has learned for each endpoint.
type Handler struct {
	store *Store
}

// NewHandler builds a Handler backed by store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Routes mounts GET /{service}/* analogous to pkg/policy's Config route.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/{service}/*", h.handleGet)
	return r
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		apierr.Respond(w, apierr.New(apierr.Unauthenticated, "authentication required"))
		return
	}

	service := chi.URLParam(r, "service")
	endpoint := "/" + chi.URLParam(r, "*")

	rec, ok := h.store.Get(Key{TenantID: identity.TenantID, ServiceName: service, Endpoint: endpoint})
	if !ok {
		rec = Default(Key{TenantID: identity.TenantID, ServiceName: service, Endpoint: endpoint})
	}
	httpserver.Respond(w, http.StatusOK, rec)
}

// handleList serves GET /ai/thresholds?page=&page_size=, paging over every
// threshold the caller's tenant currently has, useful for the operator
// dashboard's overview page without one request per endpoint. The cache
// behind Store.All has no natural order, so the page is cut from a
// service+endpoint sort rather than a database OFFSET.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		apierr.Respond(w, apierr.New(apierr.Unauthenticated, "authentication required"))
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		apierr.Respond(w, apierr.New(apierr.InvalidInput, err.Error()))
		return
	}

	all := h.store.All(identity.TenantID)
	sort.Slice(all, func(i, j int) bool {
		if all[i].Key.ServiceName != all[j].Key.ServiceName {
			return all[i].Key.ServiceName < all[j].Key.ServiceName
		}
		return all[i].Key.Endpoint < all[j].Key.Endpoint
	})

	start := params.Offset
	if start > len(all) {
		start = len(all)
	}
	end := start + params.PageSize
	if end > len(all) {
		end = len(all)
	}

	page := httpserver.NewOffsetPage(all[start:end], params, len(all))
	httpserver.Respond(w, http.StatusOK, struct {
		Thresholds []Record `json:"thresholds"`
		Total      int      `json:"total"`
		Page       int      `json:"page"`
		PageSize   int      `json:"page_size"`
		TotalPages int      `json:"total_pages"`
	}{Thresholds: page.Items, Total: page.TotalItems, Page: page.Page, PageSize: page.PageSize, TotalPages: page.TotalPages})
}
