package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Middleware returns an HTTP middleware that authenticates the caller via
// session JWT, OIDC JWT, API key, or a development header, and stores the
// resulting Identity in the request context.
//
// Authentication precedence:
//  1. Authorization: Bearer <jwt>  →  session JWT (HMAC) → OIDC validation
//  2. X-API-Key: <raw-key>        →  API key hash lookup (the path the
//     client runtime in pkg/clientrt uses)
//  3. X-Tenant-ID: <uuid>         →  development-only fallback, no real auth
//
// If none succeed, the request is rejected with 401.
func Middleware(sessionMgr *SessionManager, oidcAuth *OIDCAuthenticator, apikeyAuth *APIKeyAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			// 1. Try Bearer token: session JWT → OIDC JWT.
			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") || strings.HasPrefix(authHeader, "bearer ") {
				rawToken := strings.TrimPrefix(authHeader, "Bearer ")
				rawToken = strings.TrimPrefix(rawToken, "bearer ")
				rawToken = strings.TrimSpace(rawToken)

				if sessionMgr != nil {
					claims, err := sessionMgr.ValidateToken(rawToken)
					if err == nil {
						userID, _ := uuid.Parse(claims.UserID)
						tenantID, _ := uuid.Parse(claims.TenantID)
						identity = &Identity{
							Subject:  claims.Subject,
							Email:    claims.Email,
							Role:     claims.Role,
							TenantID: tenantID,
							UserID:   &userID,
							Method:   MethodSession,
						}

						logger.Debug("authenticated via session JWT", "sub", claims.Subject, "email", claims.Email)
					}
				}

				if identity == nil {
					if oidcAuth == nil {
						logger.Warn("JWT presented but OIDC is not configured")
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid token")
						return
					}

					claims, err := oidcAuth.Authenticate(r.Context(), authHeader)
					if err != nil {
						logger.Warn("OIDC authentication failed", "error", err)
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid token")
						return
					}

					identity = &Identity{
						Subject:  claims.Subject,
						Email:    claims.Email,
						Role:     claims.Role,
						TenantID: claims.TenantID,
						Method:   MethodOIDC,
					}

					logger.Debug("authenticated via OIDC", "sub", claims.Subject, "email", claims.Email)
				}
			}

			// 2. Try API key.
			if identity == nil {
				if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
					result, err := apikeyAuth.Authenticate(r.Context(), rawKey)
					if err != nil {
						logger.Warn("API key authentication failed", "error", err)
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
						return
					}

					identity = &Identity{
						Subject:  "apikey:" + result.KeyPrefix,
						Role:     result.Role,
						TenantID: result.TenantID,
						APIKeyID: &result.APIKeyID,
						Method:   MethodAPIKey,
					}

					logger.Debug("authenticated via API key", "key_prefix", result.KeyPrefix, "tenant_id", result.TenantID, "role", result.Role)
				}
			}

			// 3. Dev-mode fallback: X-Tenant-ID header, no real authentication.
			if identity == nil {
				if raw := r.Header.Get("X-Tenant-ID"); raw != "" {
					tenantID, err := uuid.Parse(raw)
					if err == nil {
						identity = &Identity{
							Subject:  "dev:anonymous",
							Role:     RoleAdmin,
							TenantID: tenantID,
							Method:   MethodDev,
						}
						logger.Debug("dev-mode authentication", "tenant_id", tenantID)
					}
				}
			}

			if identity == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "no valid authentication provided")
				return
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
