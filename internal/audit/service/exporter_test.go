package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"auditchain/internal/audit/codec"
	"auditchain/internal/audit/metrics"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/store"
	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
)

type ExporterSuite struct {
	suite.Suite
	store    *store.InMemoryStore
	appender *Appender
	exporter *Exporter
	metrics  *metrics.Metrics
	tenant   id.TenantID
	base     time.Time
}

func TestExporterSuite(t *testing.T) {
	suite.Run(t, new(ExporterSuite))
}

func (s *ExporterSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.appender = NewAppender(s.store, WithAppenderLogger(discardLogger()))
	s.exporter = NewExporter(s.store, WithExportBatchSize(2), WithExporterMetrics(s.metrics))
	s.tenant = newTenant()
	s.base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

func (s *ExporterSuite) stored() []*models.Entry {
	entries, err := s.store.Scan(context.Background(), s.tenant, 0, 1000)
	s.Require().NoError(err)
	return entries
}

func (s *ExporterSuite) export(format models.ExportFormat, window models.DateRange) string {
	var buf bytes.Buffer
	s.Require().NoError(s.exporter.Export(context.Background(), s.tenant, format, window, &buf))
	return buf.String()
}

func (s *ExporterSuite) TestJSONMatchesIndentedArrayNewestFirst() {
	_, err := seedChain(s.appender, s.tenant, s.base, 3)
	s.Require().NoError(err)

	newestFirst := s.stored()
	slices.Reverse(newestFirst)
	want, err := json.MarshalIndent(newestFirst, "", "  ")
	s.Require().NoError(err)

	got := s.export(models.ExportJSON, models.DateRange{})
	s.Equal(string(want), got)
	s.Equal(3.0, promtest.ToFloat64(s.metrics.EntriesExported.WithLabelValues("json")))
}

// An exported file is enough to re-check every digest offline.
func (s *ExporterSuite) TestJSONExportReverifies() {
	_, err := seedChain(s.appender, s.tenant, s.base, 3)
	s.Require().NoError(err)

	var decoded []*models.Entry
	s.Require().NoError(json.Unmarshal([]byte(s.export(models.ExportJSON, models.DateRange{})), &decoded))
	s.Require().Len(decoded, 3)
	s.Equal([]int64{3, 2, 1}, []int64{decoded[0].ChainIndex, decoded[1].ChainIndex, decoded[2].ChainIndex})
	for _, e := range decoded {
		ok, err := codec.Verify(e)
		s.Require().NoError(err)
		s.True(ok, "entry %d", e.ChainIndex)
	}
}

func (s *ExporterSuite) TestEqualTimestampsOrderByChainIndex() {
	ts := s.base
	for i := range 5 {
		f := docFields(i)
		f.Timestamp = &ts
		_, err := s.appender.Append(context.Background(), s.tenant, f)
		s.Require().NoError(err)
	}

	var decoded []*models.Entry
	s.Require().NoError(json.Unmarshal([]byte(s.export(models.ExportJSON, models.DateRange{})), &decoded))
	var indexes []int64
	for _, e := range decoded {
		indexes = append(indexes, e.ChainIndex)
	}
	s.Equal([]int64{5, 4, 3, 2, 1}, indexes, "batch boundaries neither skip nor repeat entries")
}

func (s *ExporterSuite) TestWindowIsInclusive() {
	_, err := seedChain(s.appender, s.tenant, s.base, 5)
	s.Require().NoError(err)
	from, to := s.base.Add(time.Minute), s.base.Add(3*time.Minute)

	var decoded []*models.Entry
	s.Require().NoError(json.Unmarshal([]byte(s.export(models.ExportJSON, models.DateRange{Start: &from, End: &to})), &decoded))
	s.Require().Len(decoded, 3)
	s.Equal(int64(4), decoded[0].ChainIndex)
	s.Equal(int64(2), decoded[2].ChainIndex)
}

// Wall-clock timestamps carry nanoseconds; the entry appended at the window
// start must still be exported.
func (s *ExporterSuite) TestWindowStartWithNanosecondPrecision() {
	t1 := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)
	t3 := t1.Add(2 * time.Second)
	for i := range 3 {
		f := docFields(i)
		ts := t1.Add(time.Duration(i) * time.Second)
		f.Timestamp = &ts
		_, err := s.appender.Append(context.Background(), s.tenant, f)
		s.Require().NoError(err)
	}

	var decoded []*models.Entry
	s.Require().NoError(json.Unmarshal([]byte(s.export(models.ExportJSON, models.DateRange{Start: &t1, End: &t3})), &decoded))
	s.Require().Len(decoded, 3)
	s.Equal(int64(1), decoded[2].ChainIndex)
}

func (s *ExporterSuite) TestCSVQuotesEveryRowField() {
	f := docFields(0)
	f.EntityID = models.StringPtr(`doc "7", draft`)
	f.IPAddress = models.StringPtr("10.0.0.1")
	ts := s.base
	f.Timestamp = &ts
	e, err := s.appender.Append(context.Background(), s.tenant, f)
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSuffix(s.export(models.ExportCSV, models.DateRange{}), "\n"), "\n")
	s.Require().Len(lines, 2)
	s.Equal(CSVHeader, lines[0])
	s.Equal(`"`+e.ID.String()+`","2026-03-01T09:00:00.000Z","","update","document","doc ""7"", draft","10.0.0.1","`+e.Hash+`"`, lines[1])
	s.Equal(1.0, promtest.ToFloat64(s.metrics.EntriesExported.WithLabelValues("csv")))
}

func (s *ExporterSuite) TestEmptyWindow() {
	_, err := seedChain(s.appender, s.tenant, s.base, 2)
	s.Require().NoError(err)
	from := s.base.Add(24 * time.Hour)
	window := models.DateRange{Start: &from}

	s.Equal("[]", s.export(models.ExportJSON, window))
	s.Equal(CSVHeader+"\n", s.export(models.ExportCSV, window))
}

func (s *ExporterSuite) TestTenantIsolation() {
	_, err := seedChain(s.appender, newTenant(), s.base, 2)
	s.Require().NoError(err)
	s.Equal("[]", s.export(models.ExportJSON, models.DateRange{}))
}

func (s *ExporterSuite) TestRejectsBadInput() {
	var buf bytes.Buffer
	err := s.exporter.Export(context.Background(), s.tenant, "xml", models.DateRange{}, &buf)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	s.Zero(buf.Len())

	from, to := s.base, s.base.Add(-time.Hour)
	err = s.exporter.Export(context.Background(), s.tenant, models.ExportJSON, models.DateRange{Start: &from, End: &to}, &buf)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client went away") }

func (s *ExporterSuite) TestWriterFailure() {
	_, err := seedChain(s.appender, s.tenant, s.base, 2)
	s.Require().NoError(err)
	err = s.exporter.Export(context.Background(), s.tenant, models.ExportJSON, models.DateRange{}, failingWriter{})
	s.Error(err)
}
