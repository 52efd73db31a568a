package auth

import (
	"net/http"
)

// RequireAuth rejects requests that have no authenticated identity. Every
// /api/v1 route currently needs nothing more than a valid identity: none of
// the policy, threshold, insight or analytics handlers expose a mutation or
// admin-only surface, so there is no role tier to gate above RoleReadonly.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
