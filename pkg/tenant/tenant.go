package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Info holds the resolved tenant metadata for the current request. This
// system uses a flat tenant_id column on every domain table rather than a
// schema per tenant, so Info carries no schema/search_path information.
type Info struct {
	ID   uuid.UUID
	Name string
}

type contextKey string

const infoKey contextKey = "tenant_info"

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts the tenant info from the context.
// Returns nil if no tenant is set.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}
