package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/neuralsieve/relay/internal/model"
	"github.com/neuralsieve/relay/internal/service"
)

type contextKeyAuth string

// AuthPrincipalKey is the context key for the authenticated principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// Principal represents the authenticated credential making the request.
type Principal struct {
	KeyID int64
	Name  string
	Scope model.Scope
}

// IsAdmin reports whether the principal holds an admin-scoped key.
func (p *Principal) IsAdmin() bool {
	return p.Scope == model.ScopeAdmin
}

// Authenticate returns an HTTP middleware that validates the request's bearer
// credential. The key may arrive either as an Authorization: Bearer header or
// an X-API-Key header. Every failure — missing, unknown, malformed, revoked —
// produces the same 401 response so the API never reveals which keys exist.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get("X-API-Key")
			if rawKey == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					rawKey = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}

			key, err := authSvc.Authenticate(r.Context(), rawKey)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			principal := &Principal{
				KeyID: key.ID,
				Name:  key.Name,
				Scope: key.Scope,
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns an HTTP middleware that enforces admin-scope access.
// It must be used after Authenticate in the middleware chain.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || !principal.IsAdmin() {
				writeAuthError(w, http.StatusForbidden, "Admin key required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually construct JSON to avoid an import cycle with the handler package.
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"message":"` + message + `"}}`))
}

func httpStatusString(code int) string {
	switch code {
	case 401:
		return "401"
	case 403:
		return "403"
	default:
		return "500"
	}
}
