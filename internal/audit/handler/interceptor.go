package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"auditchain/internal/audit/models"
	request "auditchain/pkg/platform/middleware/request"
	"auditchain/pkg/requestcontext"
)

// Interceptor records successful mutating requests on business routes. It
// runs after the wrapped handler and never touches the response.
type Interceptor struct {
	recorder EventRecorder
	logger   *slog.Logger
}

func NewInterceptor(recorder EventRecorder, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{recorder: recorder, logger: logger}
}

func (i *Interceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action, mutating := actionFor(r.Method)
		if !mutating {
			next.ServeHTTP(w, r)
			return
		}

		sr := request.NewStatusRecorder(w)
		next.ServeHTTP(sr, r)

		status := sr.Status()
		if status < 200 || status >= 300 {
			return
		}
		ctx := r.Context()
		tenantID := requestcontext.TenantID(ctx)
		if tenantID.IsNil() {
			i.logger.DebugContext(ctx, "audit interceptor skipped request without tenant",
				"path", r.URL.Path,
				"request_id", requestcontext.RequestID(ctx),
			)
			return
		}

		pattern, entityID := route(r)
		i.recorder.Record(ctx, tenantID, models.Fields{
			Action:     action,
			EntityType: entityType(pattern),
			EntityID:   models.StringPtr(entityID),
			Metadata: map[string]any{
				"method":  r.Method,
				"path":    r.URL.Path,
				"status":  status,
				"outcome": "success",
				"client":  describeClient(r.UserAgent()),
			},
		})
	})
}

func actionFor(method string) (models.Action, bool) {
	switch method {
	case http.MethodPost:
		return models.ActionCreate, true
	case http.MethodPut, http.MethodPatch:
		return models.ActionUpdate, true
	case http.MethodDelete:
		return models.ActionDelete, true
	default:
		return "", false
	}
}

// route returns the matched chi pattern and the {id} parameter, falling back
// to the raw path when the request was not routed by chi.
func route(r *http.Request) (string, string) {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return r.URL.Path, ""
	}
	pattern := rc.RoutePattern()
	if pattern == "" {
		pattern = r.URL.Path
	}
	return pattern, rc.URLParam("id")
}

// entityType is the first literal segment of the route pattern.
func entityType(pattern string) string {
	for seg := range strings.SplitSeq(strings.Trim(pattern, "/"), "/") {
		if seg == "" || strings.HasPrefix(seg, "{") || seg == "*" {
			continue
		}
		return seg
	}
	return "unknown"
}
