// Package handler exposes the audit chain over HTTP and records business
// mutations through a fire-and-forget interceptor.
package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"auditchain/internal/audit/models"
	"auditchain/internal/audit/retention"
	"auditchain/internal/platform/logger"
	id "auditchain/pkg/domain"
	"auditchain/pkg/platform/httputil"
	"auditchain/pkg/requestcontext"
)

// Lister serves paginated reads.
type Lister interface {
	List(ctx context.Context, tenantID id.TenantID, filter models.Filter, page models.Page) (*models.ListResult, error)
}

// ChainVerifier checks a tenant's chain.
type ChainVerifier interface {
	Verify(ctx context.Context, tenantID id.TenantID) (*models.VerifyResult, error)
}

// ChainExporter streams a tenant's entries.
type ChainExporter interface {
	Export(ctx context.Context, tenantID id.TenantID, format models.ExportFormat, window models.DateRange, w io.Writer) error
}

// EventRecorder queues audit events without blocking the request.
type EventRecorder interface {
	Record(ctx context.Context, tenantID id.TenantID, fields models.Fields)
}

type Handler struct {
	lister   Lister
	verifier ChainVerifier
	exporter ChainExporter
	policy   retention.Policy
	recorder EventRecorder
	logger   *slog.Logger
}

func New(lister Lister, verifier ChainVerifier, exporter ChainExporter, policy retention.Policy, recorder EventRecorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		lister:   lister,
		verifier: verifier,
		exporter: exporter,
		policy:   policy,
		recorder: recorder,
		logger:   logger,
	}
}

// Register mounts the read routes. Export is registered separately so it can
// sit outside the request timeout.
func (h *Handler) Register(r chi.Router) {
	r.Get("/audit", h.HandleList)
	r.Get("/audit/verify", h.HandleVerify)
	r.Get("/audit/retention", h.HandleRetention)
}

func (h *Handler) RegisterExport(r chi.Router) {
	r.Get("/audit/export", h.HandleExport)
}

// HandleList returns one page of the caller's audit log, newest first.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := httputil.RequireTenantID(ctx, h.logger)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, err := parseListRequest(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter, err := req.Filter()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.lister.List(ctx, tenantID, filter, req.PageRequest())
	if err != nil {
		h.logger.ErrorContext(ctx, "list audit entries failed",
			"error", err,
			"tenant_id", tenantID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// HandleVerify walks the caller's chain and reports the first break.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := httputil.RequireTenantID(ctx, h.logger)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.verifier.Verify(ctx, tenantID)
	if err != nil {
		h.logger.ErrorContext(ctx, "verify audit chain failed",
			"error", err,
			"tenant_id", tenantID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// HandleRetention reports the caller's retention window.
func (h *Handler) HandleRetention(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := httputil.RequireTenantID(ctx, h.logger)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, retention.Info(h.policy.RetentionDays(ctx, tenantID)))
}

// HandleExport streams the caller's entries as an attachment. The export
// itself is audited.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := httputil.RequireTenantID(ctx, h.logger)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, format, window, err := parseExportRequest(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	filename := "audit-export-" + requestcontext.Now(ctx).UTC().Format(dateOnly) + "." + format.Extension()
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	out := &sentWriter{w: w}
	if err := h.exporter.Export(ctx, tenantID, format, window, out); err != nil {
		h.logger.ErrorContext(ctx, "export audit entries failed",
			"error", err,
			"tenant_id", tenantID.String(),
			"format", string(format),
			"partial", out.sent,
			"request_id", requestcontext.RequestID(ctx),
		)
		if !out.sent {
			w.Header().Del("Content-Disposition")
			httputil.WriteError(w, err)
		}
		return
	}

	metadata := map[string]any{"format": string(format)}
	if req.StartDate != "" {
		metadata["startDate"] = req.StartDate
	}
	if req.EndDate != "" {
		metadata["endDate"] = req.EndDate
	}
	h.recorder.Record(ctx, tenantID, models.Fields{
		Action:     models.ActionExport,
		EntityType: "audit_log",
		Metadata:   metadata,
	})
	h.logger.InfoContext(ctx, "audit log exported",
		"log_type", logger.TypeAudit,
		"tenant_id", tenantID.String(),
		"format", string(format),
		"request_id", requestcontext.RequestID(ctx),
	)
}

// sentWriter notes whether any bytes reached the client, after which an
// error can no longer change the response status.
type sentWriter struct {
	w    io.Writer
	sent bool
}

func (s *sentWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		s.sent = true
	}
	return s.w.Write(p)
}
