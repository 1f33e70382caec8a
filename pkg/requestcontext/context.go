// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets the values; services, the audit recorder and workers read them
// without importing net/http.
//
//	tenantID := requestcontext.TenantID(ctx)
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
package requestcontext

import (
	"context"
	"time"

	id "auditchain/pkg/domain"
)

type (
	tenantIDKey    struct{}
	userIDKey      struct{}
	sessionIDKey   struct{}
	clientIPKey    struct{}
	userAgentKey   struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// TenantID returns the caller's tenant, or the nil ID when unauthenticated.
func TenantID(ctx context.Context) id.TenantID {
	if v, ok := ctx.Value(tenantIDKey{}).(id.TenantID); ok {
		return v
	}
	return id.TenantID{}
}

func WithTenantID(ctx context.Context, tenantID id.TenantID) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// UserID returns the acting user, or the nil ID for system-initiated work.
func UserID(ctx context.Context) id.UserID {
	if v, ok := ctx.Value(userIDKey{}).(id.UserID); ok {
		return v
	}
	return id.UserID{}
}

func WithUserID(ctx context.Context, userID id.UserID) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// SessionID is kept as an opaque string; session formats belong to the
// identity provider, not to the audit chain.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}

func UserAgent(ctx context.Context) string {
	if v, ok := ctx.Value(userAgentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, clientIP)
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// Now returns the request-scoped time, falling back to time.Now() for workers,
// the CLI and tests that did not inject one.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}

// Detach copies the request-scoped values onto a fresh background context so
// work handed off to a goroutine survives the end of the HTTP request.
func Detach(ctx context.Context) context.Context {
	out := context.Background()
	out = WithTenantID(out, TenantID(ctx))
	out = WithUserID(out, UserID(ctx))
	out = WithSessionID(out, SessionID(ctx))
	out = WithClientMetadata(out, ClientIP(ctx), UserAgent(ctx))
	out = WithRequestID(out, RequestID(ctx))
	return out
}
