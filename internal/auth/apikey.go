package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, matching the subset
// of pgx this package needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// APIKeyAuthenticator validates API keys against the api_keys table.
type APIKeyAuthenticator struct {
	DB DBTX
}

// APIKeyResult holds the resolved identity data from an API key lookup.
type APIKeyResult struct {
	APIKeyID  uuid.UUID
	TenantID  uuid.UUID
	KeyPrefix string
	Role      string
}

// Authenticate hashes the raw key, looks it up in api_keys, and validates
// expiration.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*APIKeyResult, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty API key")
	}

	hash := HashAPIKey(rawKey)

	var result APIKeyResult
	var expiresAt *time.Time
	err := a.DB.QueryRow(ctx,
		`SELECT id, tenant_id, key_prefix, role, expires_at
		   FROM api_keys
		  WHERE key_hash = $1`,
		hash,
	).Scan(&result.APIKeyID, &result.TenantID, &result.KeyPrefix, &result.Role, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("API key expired at %s", expiresAt)
	}

	if !IsValidRole(result.Role) {
		result.Role = RoleEngineer
	}

	// Update last_used asynchronously — fire and forget, matches the
	// teacher's non-blocking bookkeeping on the hot authentication path.
	go func() {
		_, _ = a.DB.Exec(context.Background(),
			`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, result.APIKeyID)
	}()

	return &result, nil
}
