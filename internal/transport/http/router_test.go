package httptransport

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"auditchain/internal/audit/handler"
	auditmetrics "auditchain/internal/audit/metrics"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/retention"
	"auditchain/internal/audit/service"
	"auditchain/internal/audit/store"
	"auditchain/internal/platform/config"
	"auditchain/internal/platform/health"
	"auditchain/internal/platform/metrics"
	id "auditchain/pkg/domain"
	"auditchain/pkg/platform/middleware/auth"
	"auditchain/pkg/platform/middleware/metadata"
	"auditchain/pkg/platform/middleware/request"
)

type RouterSuite struct {
	suite.Suite
	store     *store.InMemoryStore
	appender  *service.Appender
	recorder  *service.Recorder
	validator *auth.HMACValidator
	router    http.Handler
	tenant    id.TenantID
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.build(nil)
}

func (s *RouterSuite) build(routes func(chi.Router)) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := metrics.NewRegistry()
	m := auditmetrics.New(reg)

	s.store = store.NewInMemory()
	s.appender = service.NewAppender(s.store, service.WithAppenderMetrics(m), service.WithAppenderLogger(logger))
	s.recorder = service.NewRecorder(s.appender, service.WithRecorderMetrics(m), service.WithRecorderLogger(logger))
	s.validator = auth.NewHMACValidator("router-test-key", "auditchain", "")
	s.tenant = id.TenantID(uuid.New())

	policy := retention.NewStaticPolicy(config.AuditConfig{RetentionDays: 90, PremiumRetentionDays: 2555})
	audit := handler.New(
		service.NewReader(s.store),
		service.NewVerifier(s.store, service.WithVerifierMetrics(m), service.WithVerifierLogger(logger)),
		service.NewExporter(s.store, service.WithExporterMetrics(m)),
		policy,
		s.recorder,
		logger,
	)

	s.router = NewRouter(Deps{
		Logger:         logger,
		Validator:      s.validator,
		Audit:          audit,
		Interceptor:    handler.NewInterceptor(s.recorder, logger),
		Health:         health.New("test"),
		Registry:       reg,
		HTTPMetrics:    request.NewMetrics(reg),
		Metadata:       metadata.NewMiddleware(nil),
		RequestTimeout: 5 * time.Second,
		Routes:         routes,
	})
}

func (s *RouterSuite) TearDownTest() {
	s.Require().NoError(s.recorder.Close(s.T().Context()))
}

func (s *RouterSuite) do(target string, authorized bool) *httptest.ResponseRecorder {
	return s.doMethod(http.MethodGet, target, authorized)
}

func (s *RouterSuite) doMethod(method, target string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if authorized {
		token, err := s.validator.Issue(s.tenant, id.UserID{}, time.Minute)
		s.Require().NoError(err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *RouterSuite) TestProbesAreUnauthenticated() {
	s.Equal(http.StatusOK, s.do("/health/live", false).Code)
	s.Equal(http.StatusOK, s.do("/health/ready", false).Code)

	rec := s.do("/metrics", false)
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "auditchain_")
}

func (s *RouterSuite) TestAuditRoutesRequireToken() {
	for _, target := range []string{"/audit", "/audit/verify", "/audit/retention", "/audit/export"} {
		s.Equal(http.StatusUnauthorized, s.do(target, false).Code, target)
	}
}

func (s *RouterSuite) TestVerifyReflectsAppendedEntries() {
	for i := range 3 {
		_, err := s.appender.Append(s.T().Context(), s.tenant, models.Fields{
			Action:     models.ActionCreate,
			EntityType: "invoice",
			EntityID:   models.StringPtr(fmt.Sprintf("inv-%d", i)),
		})
		s.Require().NoError(err)
	}

	rec := s.do("/audit/verify", true)
	s.Require().Equal(http.StatusOK, rec.Code)
	var result models.VerifyResult
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&result))
	s.True(result.Valid)
	s.Equal(int64(3), result.EntriesChecked)
}

func (s *RouterSuite) TestExportIsServedOutsideRequestTimeout() {
	rec := s.do("/audit/export?format=csv&startDate=2026-01-01&endDate=2026-12-31", true)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.True(strings.HasPrefix(rec.Body.String(), "id,timestamp,userId,action,entityType,entityId,ipAddress,hash"))
	s.Contains(rec.Header().Get("Content-Disposition"), ".csv")
}

func (s *RouterSuite) TestBusinessMutationsAreRecorded() {
	s.Require().NoError(s.recorder.Close(s.T().Context()))
	s.build(func(r chi.Router) {
		r.Post("/invoices", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
		r.Delete("/invoices/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})
	})

	s.Equal(http.StatusCreated, s.doMethod(http.MethodPost, "/invoices", true).Code)
	s.Equal(http.StatusConflict, s.doMethod(http.MethodDelete, "/invoices/inv-1", true).Code)
	s.Equal(http.StatusOK, s.do("/audit", true).Code)
	s.Require().NoError(s.recorder.Close(s.T().Context()))

	entries, err := s.store.Scan(s.T().Context(), s.tenant, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1, "only the successful mutation is recorded")
	s.Equal(models.ActionCreate, entries[0].Action)
	s.Equal("invoices", entries[0].EntityType)
}
