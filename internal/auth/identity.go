package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Roles supported by the RBAC system.
const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEngineer = "engineer"
	RoleReadonly = "readonly"
)

// ValidRoles lists all known roles in descending privilege order.
var ValidRoles = []string{RoleAdmin, RoleManager, RoleEngineer, RoleReadonly}

// Method describes how the caller was authenticated.
const (
	MethodOIDC    = "oidc"
	MethodAPIKey  = "apikey"
	MethodSession = "session"
	MethodDev     = "dev"
)

// Identity represents the authenticated caller for the current request.
// TenantID is the opaque tenant identifier every signal, policy, and
// insight in this system is scoped to — there is no per-tenant schema,
// just a column (see DESIGN.md's flat-tenant-id decision).
type Identity struct {
	Subject  string     // OIDC sub, "apikey:<prefix>", or session subject
	Email    string     // user email, empty for API keys
	Role     string     // one of the Role* constants
	TenantID uuid.UUID  // resolved tenant ID
	UserID   *uuid.UUID // non-nil for OIDC/session-authenticated operators
	APIKeyID *uuid.UUID // non-nil for API key authentication
	Method   string     // one of the Method* constants
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if no
// identity is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// IsValidRole reports whether role is a recognised RBAC role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key. Only the
// hash is ever persisted; the raw key is shown to the caller once, at
// creation time.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
