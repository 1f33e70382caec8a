package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"auditchain/internal/audit/alerts"
	"auditchain/internal/audit/metrics"
	"auditchain/internal/audit/models"
	"auditchain/internal/platform/logger"
	id "auditchain/pkg/domain"
	"auditchain/pkg/requestcontext"
)

const (
	defaultRecorderQueue   = 1024
	defaultRecorderWorkers = 4
	defaultAppendTimeout   = 10 * time.Second
	dropAlertBuffer        = 64
)

// EntryAppender is the append capability the recorder drains into.
type EntryAppender interface {
	Append(ctx context.Context, tenantID id.TenantID, fields models.Fields) (*models.Entry, error)
}

type recordJob struct {
	ctx      context.Context
	tenantID id.TenantID
	fields   models.Fields
}

// Recorder is the fire-and-forget entry point for business code. Record
// never blocks and never fails the caller; overflow and append failures are
// surfaced through logs, metrics and the alert channel instead.
type Recorder struct {
	appender      EntryAppender
	alerts        alerts.Publisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
	queueSize     int
	workers       int
	appendTimeout time.Duration

	queue     chan recordJob
	dropAlert chan alerts.Alert
	wg        sync.WaitGroup
	alertWG   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type RecorderOption func(*Recorder)

func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) { r.queueSize = n }
}

func WithWorkers(n int) RecorderOption {
	return func(r *Recorder) { r.workers = n }
}

func WithAppendTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.appendTimeout = d }
}

func WithRecorderAlerts(p alerts.Publisher) RecorderOption {
	return func(r *Recorder) { r.alerts = p }
}

func WithRecorderMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder starts the worker pool. Call Close to drain it.
func NewRecorder(appender EntryAppender, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		appender:      appender,
		queueSize:     defaultRecorderQueue,
		workers:       defaultRecorderWorkers,
		appendTimeout: defaultAppendTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queueSize < 1 {
		r.queueSize = defaultRecorderQueue
	}
	if r.workers < 1 {
		r.workers = defaultRecorderWorkers
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.alerts == nil {
		r.alerts = alerts.NewLogPublisher(r.logger)
	}

	r.queue = make(chan recordJob, r.queueSize)
	r.dropAlert = make(chan alerts.Alert, dropAlertBuffer)
	for range r.workers {
		r.wg.Add(1)
		go r.work()
	}
	r.alertWG.Add(1)
	go r.forwardDropAlerts()
	return r
}

// Record captures request context now and queues the event for appending.
func (r *Recorder) Record(ctx context.Context, tenantID id.TenantID, fields models.Fields) {
	enrich(ctx, &fields)
	job := recordJob{ctx: requestcontext.Detach(ctx), tenantID: tenantID, fields: fields}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(ctx, job, "closed")
		return
	}
	select {
	case r.queue <- job:
		if r.metrics != nil {
			r.metrics.SetRecorderQueueDepth(len(r.queue))
		}
	default:
		r.drop(ctx, job, "queue_full")
	}
}

// Close stops intake and waits for queued events to be appended, or for ctx
// to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(r.dropAlert)
		r.alertWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.WarnContext(ctx, "audit recorder closed before draining",
			"log_type", logger.TypeAudit,
			"pending", len(r.queue),
		)
		return ctx.Err()
	}
}

func (r *Recorder) work() {
	defer r.wg.Done()
	for job := range r.queue {
		if r.metrics != nil {
			r.metrics.SetRecorderQueueDepth(len(r.queue))
		}
		r.process(job)
	}
}

func (r *Recorder) process(job recordJob) {
	ctx, cancel := context.WithTimeout(job.ctx, r.appendTimeout)
	defer cancel()

	if _, err := r.appender.Append(ctx, job.tenantID, job.fields); err != nil {
		if r.metrics != nil {
			r.metrics.IncrementAppendFailure("recorder")
		}
		r.logger.ErrorContext(ctx, "audit append failed",
			"log_type", logger.TypeAudit,
			"tenant_id", job.tenantID.String(),
			"action", string(job.fields.Action),
			"entity_type", job.fields.EntityType,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		alert := alerts.Alert{
			Kind:      alerts.KindAppendFailed,
			TenantID:  job.tenantID,
			Action:    string(job.fields.Action),
			Error:     err.Error(),
			RequestID: requestcontext.RequestID(ctx),
			At:        time.Now().UTC(),
		}
		if pubErr := r.alerts.Publish(context.WithoutCancel(ctx), alert); pubErr != nil {
			r.logger.WarnContext(ctx, "failed to publish audit alert", "kind", string(alert.Kind), "error", pubErr)
		}
	}
}

// drop must be called with r.mu held for reading.
func (r *Recorder) drop(ctx context.Context, job recordJob, reason string) {
	if r.metrics != nil {
		r.metrics.IncrementRecorderDropped(reason)
	}
	r.logger.WarnContext(ctx, "audit event dropped",
		"log_type", logger.TypeAudit,
		"reason", reason,
		"tenant_id", job.tenantID.String(),
		"action", string(job.fields.Action),
		"entity_type", job.fields.EntityType,
		"request_id", requestcontext.RequestID(ctx),
	)
	if r.closed {
		return
	}
	alert := alerts.Alert{
		Kind:      alerts.KindEventDropped,
		TenantID:  job.tenantID,
		Action:    string(job.fields.Action),
		Reason:    reason,
		RequestID: requestcontext.RequestID(ctx),
		At:        time.Now().UTC(),
	}
	select {
	case r.dropAlert <- alert:
	default:
	}
}

func (r *Recorder) forwardDropAlerts() {
	defer r.alertWG.Done()
	for alert := range r.dropAlert {
		if err := r.alerts.Publish(context.Background(), alert); err != nil {
			r.logger.Warn("failed to publish audit alert", "kind", string(alert.Kind), "error", err)
		}
	}
}

// enrich fills request-scoped fields the producer left empty.
func enrich(ctx context.Context, f *models.Fields) {
	if f.UserID == nil {
		if uid := requestcontext.UserID(ctx); !uid.IsNil() {
			f.UserID = &uid
		}
	}
	if f.IPAddress == nil {
		f.IPAddress = models.StringPtr(requestcontext.ClientIP(ctx))
	}
	if f.UserAgent == nil {
		f.UserAgent = models.StringPtr(requestcontext.UserAgent(ctx))
	}
	if f.RequestID == nil {
		f.RequestID = models.StringPtr(requestcontext.RequestID(ctx))
	}
	if f.SessionID == nil {
		f.SessionID = models.StringPtr(requestcontext.SessionID(ctx))
	}
	if f.Timestamp == nil {
		ts := requestcontext.Now(ctx)
		f.Timestamp = &ts
	}
}
