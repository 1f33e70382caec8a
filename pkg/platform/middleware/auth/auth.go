package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	id "auditchain/pkg/domain"
	"auditchain/pkg/requestcontext"
)

// JWTValidator validates a raw bearer token.
type JWTValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireAuth validates the bearer token and stores the tenant, user and
// session in the request context. Tokens without a tenant claim are rejected:
// the audit API has no cross-tenant view.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token", "request_id", requestID)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			tenantID, err := id.ParseTenantID(claims.TenantID)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - missing tenant claim",
					"error", err,
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Token is not scoped to a tenant")
				return
			}
			ctx = requestcontext.WithTenantID(ctx, tenantID)

			// A malformed user claim is dropped rather than rejected; audit
			// entries allow a null actor.
			if claims.UserID != "" {
				if userID, err := id.ParseUserID(claims.UserID); err == nil {
					ctx = requestcontext.WithUserID(ctx, userID)
				}
			}
			if claims.SessionID != "" {
				ctx = requestcontext.WithSessionID(ctx, claims.SessionID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
