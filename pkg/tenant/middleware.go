package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver identifies the tenant ID for the current request. In production
// this reads the authenticated auth.Identity; tests can stub it directly.
type Resolver interface {
	Resolve(r *http.Request) (uuid.UUID, error)
}

// Lookup retrieves tenant metadata by ID.
type Lookup interface {
	LookupByID(ctx context.Context, id uuid.UUID) (name string, err error)
}

// DefaultLookup provides a raw-SQL Lookup using a pgxpool.Pool.
type DefaultLookup struct {
	Pool *pgxpool.Pool
}

func (d *DefaultLookup) LookupByID(ctx context.Context, id uuid.UUID) (string, error) {
	var name string
	err := d.Pool.QueryRow(ctx, "SELECT name FROM tenants WHERE id = $1", id).Scan(&name)
	if err != nil {
		return "", fmt.Errorf("looking up tenant %s: %w", id, err)
	}
	return name, nil
}

// Middleware resolves the tenant for the request and stores Info in the
// context. It runs after authentication, since the default Resolver reads
// the tenant ID off the authenticated identity.
func Middleware(lookup Lookup, resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, err := resolver.Resolve(r)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "unauthorized", "tenant resolution failed")
				return
			}

			name, err := lookup.LookupByID(r.Context(), tenantID)
			if err != nil {
				logger.Warn("tenant not found", "tenant_id", tenantID, "error", err)
				respondError(w, http.StatusUnauthorized, "unauthorized", "unknown tenant")
				return
			}

			ctx := NewContext(r.Context(), &Info{ID: tenantID, Name: name})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondError(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"message":%q}`, errStr, message)
}
