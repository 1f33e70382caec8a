package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"auditchain/internal/audit/handler/mocks"
	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
	"auditchain/pkg/requestcontext"
)

const chromeOnWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type InterceptorSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	recorder *mocks.MockEventRecorder
	router   chi.Router
	tenant   id.TenantID
}

func TestInterceptorSuite(t *testing.T) {
	suite.Run(t, new(InterceptorSuite))
}

func (s *InterceptorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.recorder = mocks.NewMockEventRecorder(s.ctrl)
	s.tenant = id.TenantID(uuid.New())

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Test-Anonymous") == "" {
				r = r.WithContext(requestcontext.WithTenantID(r.Context(), s.tenant))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(NewInterceptor(s.recorder, nil).Handler)
	r.Post("/documents", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"d-1"}`))
	})
	r.Put("/documents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Delete("/documents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	r.Get("/documents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router = r
}

func (s *InterceptorSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *InterceptorSuite) do(method, target string, anonymous bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("User-Agent", chromeOnWindows)
	if anonymous {
		req.Header.Set("X-Test-Anonymous", "1")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *InterceptorSuite) TestCreateIsRecordedAndResponseUntouched() {
	s.recorder.EXPECT().Record(gomock.Any(), s.tenant, gomock.Any()).
		Do(func(_ any, _ id.TenantID, f models.Fields) {
			s.Equal(models.ActionCreate, f.Action)
			s.Equal("documents", f.EntityType)
			s.Nil(f.EntityID)
			s.Equal("POST", f.Metadata["method"])
			s.Equal("/documents", f.Metadata["path"])
			s.Equal(http.StatusCreated, f.Metadata["status"])
			s.Equal("success", f.Metadata["outcome"])
			s.Contains(f.Metadata["client"], "Chrome")
		})

	rec := s.do(http.MethodPost, "/documents", false)
	s.Equal(http.StatusCreated, rec.Code)
	s.Equal(`{"id":"d-1"}`, rec.Body.String())
}

func (s *InterceptorSuite) TestUpdateCarriesEntityID() {
	s.recorder.EXPECT().Record(gomock.Any(), s.tenant, gomock.Any()).
		Do(func(_ any, _ id.TenantID, f models.Fields) {
			s.Equal(models.ActionUpdate, f.Action)
			s.Require().NotNil(f.EntityID)
			s.Equal("doc-42", *f.EntityID)
		})
	s.do(http.MethodPut, "/documents/doc-42", false)
}

func (s *InterceptorSuite) TestFailedReadAndAnonymousRequestsAreIgnored() {
	s.recorder.EXPECT().Record(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	s.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/documents/doc-1", false).Code)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/documents/doc-1", false).Code)
	s.Equal(http.StatusCreated, s.do(http.MethodPost, "/documents", true).Code)
}

func TestEntityType(t *testing.T) {
	cases := map[string]string{
		"/documents/{id}":         "documents",
		"/{tenant}/invoices/{id}": "invoices",
		"/":                       "unknown",
		"/*":                      "unknown",
	}
	for pattern, want := range cases {
		if got := entityType(pattern); got != want {
			t.Errorf("entityType(%q) = %q, want %q", pattern, got, want)
		}
	}
}

func TestDescribeClient(t *testing.T) {
	if got := describeClient(""); got != "unknown" {
		t.Errorf("empty agent: %q", got)
	}
	if got := describeClient(chromeOnWindows); got != "Chrome on Windows 10" {
		t.Errorf("chrome on windows: %q", got)
	}
	if got := describeClient("Googlebot/2.1 (+http://www.google.com/bot.html)"); got == "unknown" {
		t.Errorf("bot agent not described: %q", got)
	}
}
