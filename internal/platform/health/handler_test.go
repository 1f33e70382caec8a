package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
)

type HealthSuite struct {
	suite.Suite
	handler *Handler
	router  chi.Router
}

func TestHealthSuite(t *testing.T) {
	suite.Run(t, new(HealthSuite))
}

func (s *HealthSuite) SetupTest() {
	s.handler = New("test")
	s.router = chi.NewRouter()
	s.handler.Register(s.router)
}

func (s *HealthSuite) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func (s *HealthSuite) TestLiveness() {
	w := s.get("/health/live")
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"status":"alive"}`, w.Body.String())
}

func (s *HealthSuite) TestReadinessAllUp() {
	s.handler.RegisterCheck("database", func(context.Context) error { return nil })

	w := s.get("/health/ready")

	s.Equal(http.StatusOK, w.Code)
	var resp ReadinessResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal("ready", resp.Status)
	s.Equal("up", resp.Checks["database"])
}

func (s *HealthSuite) TestReadinessDependencyDown() {
	s.handler.RegisterCheck("database", func(context.Context) error { return nil })
	s.handler.RegisterCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	w := s.get("/health/ready")

	s.Equal(http.StatusServiceUnavailable, w.Code)
	var resp ReadinessResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal("not_ready", resp.Status)
	s.Equal("down: connection refused", resp.Checks["redis"])
}

func (s *HealthSuite) TestStatus() {
	w := s.get("/health")
	s.Equal(http.StatusOK, w.Code)
	var resp StatusResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal("healthy", resp.Status)
	s.Equal("test", resp.Environment)
}
