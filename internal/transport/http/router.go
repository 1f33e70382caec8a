// Package httptransport assembles the public HTTP surface of the audit service.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"auditchain/internal/audit/handler"
	"auditchain/internal/platform/health"
	"auditchain/internal/platform/metrics"
	"auditchain/pkg/platform/middleware/auth"
	"auditchain/pkg/platform/middleware/metadata"
	"auditchain/pkg/platform/middleware/request"
)

// Deps is everything the router mounts.
type Deps struct {
	Logger      *slog.Logger
	Validator   auth.JWTValidator
	Audit       *handler.Handler
	Interceptor *handler.Interceptor
	Health      *health.Handler
	Registry    *prometheus.Registry
	HTTPMetrics *request.Metrics
	Metadata    *metadata.Middleware

	// RequestTimeout bounds every authenticated route except the export
	// stream, which is limited by the server write timeout instead.
	RequestTimeout time.Duration

	// Routes mounts business routes next to the audit API. The audit API is
	// read-only, so successful mutations on these routes are what the
	// Interceptor records.
	Routes func(r chi.Router)
}

// NewRouter wires the probes, the metrics endpoint and the authenticated
// audit API behind the shared middleware stack.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(request.Recovery(d.Logger))
	r.Use(request.RequestID)
	r.Use(d.Metadata.Handler)
	r.Use(request.Logger(d.Logger))
	r.Use(request.Latency(d.HTTPMetrics))

	d.Health.Register(r)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Registry))

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(d.Validator, d.Logger))
		r.Use(d.Interceptor.Handler)

		d.Audit.RegisterExport(r)

		r.Group(func(r chi.Router) {
			if d.RequestTimeout > 0 {
				r.Use(request.Timeout(d.RequestTimeout))
			}
			d.Audit.Register(r)
			if d.Routes != nil {
				d.Routes(r)
			}
		})
	})

	return r
}
