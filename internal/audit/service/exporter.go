package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"auditchain/internal/audit/metrics"
	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
)

const DefaultExportBatchSize = 500

// CSVHeader is the fixed first line of every CSV export.
const CSVHeader = "id,timestamp,userId,action,entityType,entityId,ipAddress,hash"

// Exporter streams a tenant's entries, newest first. It does not verify.
type Exporter struct {
	store     Store
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	batchSize int
}

type ExporterOption func(*Exporter)

func WithExportBatchSize(n int) ExporterOption {
	return func(x *Exporter) { x.batchSize = n }
}

func WithExporterMetrics(m *metrics.Metrics) ExporterOption {
	return func(x *Exporter) { x.metrics = m }
}

func WithExporterTracer(t trace.Tracer) ExporterOption {
	return func(x *Exporter) { x.tracer = t }
}

func NewExporter(store Store, opts ...ExporterOption) *Exporter {
	x := &Exporter{store: store, batchSize: DefaultExportBatchSize}
	for _, opt := range opts {
		opt(x)
	}
	if x.batchSize < 1 {
		x.batchSize = DefaultExportBatchSize
	}
	if x.tracer == nil {
		x.tracer = defaultTracer()
	}
	return x
}

type exportWriter interface {
	begin() error
	write(e *models.Entry) error
	end() error
}

// Export writes every entry of the tenant inside window to w. JSON output is
// an indented array, CSV output a header line followed by one fully quoted
// row per entry. An empty window yields "[]" or the header alone.
func (x *Exporter) Export(ctx context.Context, tenantID id.TenantID, format models.ExportFormat, window models.DateRange, w io.Writer) (err error) {
	ctx, span := x.tracer.Start(ctx, "audit.export", trace.WithAttributes(
		attribute.String("tenant_id", tenantID.String()),
		attribute.String("format", string(format)),
	))
	defer func() { endSpan(span, err) }()

	if tenantID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "tenantId is required")
	}
	if err := window.Validate(); err != nil {
		return err
	}

	buf := bufio.NewWriter(w)
	var out exportWriter
	switch format {
	case models.ExportJSON:
		out = &jsonExport{w: buf}
	case models.ExportCSV:
		out = &csvExport{w: buf}
	default:
		return dErrors.Newf(dErrors.CodeBadRequest, "unsupported export format %q", format)
	}

	if err := out.begin(); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	var (
		cursor *models.ExportCursor
		total  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "export cancelled")
		}
		batch, err := x.store.ExportBatch(ctx, tenantID, window, cursor, x.batchSize)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit entries")
		}
		for _, e := range batch {
			if err := out.write(e); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
		}
		total += len(batch)
		if len(batch) < x.batchSize {
			break
		}
		last := batch[len(batch)-1]
		cursor = &models.ExportCursor{Timestamp: last.Timestamp, ChainIndex: last.ChainIndex}
	}
	if err := out.end(); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("write export: %w", err)
	}

	span.SetAttributes(attribute.Int("entries", total))
	if x.metrics != nil {
		x.metrics.AddExported(string(format), total)
	}
	return nil
}

// jsonExport produces the same bytes as json.MarshalIndent(entries, "", "  ")
// without holding the whole array in memory.
type jsonExport struct {
	w     *bufio.Writer
	count int
}

func (j *jsonExport) begin() error {
	return j.w.WriteByte('[')
}

func (j *jsonExport) write(e *models.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, raw, "  ", "  "); err != nil {
		return err
	}
	sep := ",\n  "
	if j.count == 0 {
		sep = "\n  "
	}
	j.count++
	if _, err := j.w.WriteString(sep); err != nil {
		return err
	}
	_, err = j.w.Write(indented.Bytes())
	return err
}

func (j *jsonExport) end() error {
	if j.count > 0 {
		if _, err := j.w.WriteString("\n"); err != nil {
			return err
		}
	}
	return j.w.WriteByte(']')
}

type csvExport struct {
	w *bufio.Writer
}

func (c *csvExport) begin() error {
	_, err := c.w.WriteString(CSVHeader + "\n")
	return err
}

func (c *csvExport) write(e *models.Entry) error {
	userID := ""
	if e.UserID != nil {
		userID = e.UserID.String()
	}
	fields := []string{
		e.ID.String(),
		models.TruncateTimestamp(e.Timestamp).Format(models.TimestampLayout),
		userID,
		string(e.Action),
		e.EntityType,
		deref(e.EntityID),
		deref(e.IPAddress),
		e.Hash,
	}
	for i, f := range fields {
		fields[i] = quoteCSV(f)
	}
	_, err := c.w.WriteString(strings.Join(fields, ",") + "\n")
	return err
}

func (c *csvExport) end() error { return nil }

// quoteCSV always quotes; encoding/csv only quotes when a field needs it.
func quoteCSV(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
