package ingest

//go:generate mockgen -source=ingest.go -destination=mocks/mocks.go -package=mocks Appender

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"auditchain/internal/audit/ingest/mocks"
	"auditchain/internal/audit/metrics"
	"auditchain/internal/audit/models"
	"auditchain/internal/platform/kafka/consumer"
	"auditchain/internal/platform/logger"
	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/requestcontext"
)

type HandlerSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	appender *mocks.MockAppender
	metrics  *metrics.Metrics
	handler  *Handler
	tenant   id.TenantID
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.appender = mocks.NewMockAppender(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.handler = NewHandler(s.appender, s.metrics, logger.NewWithWriter(io.Discard, "error"))
	s.tenant = id.TenantID(uuid.New())
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *HandlerSuite) outcome(name string) float64 {
	return promtest.ToFloat64(s.metrics.IngestRecords.WithLabelValues(name))
}

func (s *HandlerSuite) TestAppendsDecodedEvent() {
	userID := uuid.New()
	body := `{"tenantId":"` + s.tenant.String() + `","userId":"` + userID.String() + `",` +
		`"action":"update","entityType":"invoice","entityId":"inv-9",` +
		`"oldValues":{"amount":10},"newValues":{"amount":12.5},"timestamp":"2026-07-01T08:00:00.123Z"}`

	s.appender.EXPECT().Append(gomock.Any(), s.tenant, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ id.TenantID, f models.Fields) (*models.Entry, error) {
			s.Equal(models.ActionUpdate, f.Action)
			s.Equal("invoice", f.EntityType)
			s.Equal("inv-9", *f.EntityID)
			s.Equal(id.UserID(userID), *f.UserID)
			s.Equal("10", f.OldValues["amount"].(interface{ String() string }).String())
			s.Equal(time.Date(2026, 7, 1, 8, 0, 0, 123000000, time.UTC), f.Timestamp.UTC())
			return &models.Entry{ChainIndex: 1}, nil
		})

	s.NoError(s.handler.Handle(context.Background(), &consumer.Message{Value: []byte(body)}))
	s.Equal(1.0, s.outcome(outcomeAppended))
}

func (s *HandlerSuite) TestTenantFromKeyAndRecordMetadata() {
	recorded := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	msg := &consumer.Message{
		Key:       []byte(s.tenant.String()),
		Value:     []byte(`{"action":"login","entityType":"session"}`),
		Headers:   map[string]string{"request_id": "req-42"},
		Timestamp: recorded,
	}

	s.appender.EXPECT().Append(gomock.Any(), s.tenant, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ id.TenantID, f models.Fields) (*models.Entry, error) {
			s.Equal("req-42", *f.RequestID)
			s.Equal("req-42", requestcontext.RequestID(ctx))
			s.True(recorded.Equal(*f.Timestamp))
			return &models.Entry{ChainIndex: 2}, nil
		})

	s.NoError(s.handler.Handle(context.Background(), msg))
}

func (s *HandlerSuite) TestMalformedEventsAreSkipped() {
	other := uuid.New().String()
	cases := map[string]*consumer.Message{
		"not json":       {Value: []byte(`{"action":`)},
		"no tenant":      {Value: []byte(`{"action":"login","entityType":"session"}`)},
		"bad tenant":     {Value: []byte(`{"tenantId":"nope","action":"login","entityType":"session"}`)},
		"key mismatch":   {Key: []byte(other), Value: []byte(`{"tenantId":"` + s.tenant.String() + `","action":"login","entityType":"session"}`)},
		"wrong userId":   {Value: []byte(`{"tenantId":"` + s.tenant.String() + `","userId":42,"action":"login","entityType":"session"}`)},
		"array payload":  {Value: []byte(`[]`)},
		"empty payload":  {Value: nil},
		"timestamp text": {Value: []byte(`{"tenantId":"` + s.tenant.String() + `","action":"login","entityType":"s","timestamp":"yesterday"}`)},
	}
	for name, msg := range cases {
		s.NoError(s.handler.Handle(context.Background(), msg), name)
	}
	s.Equal(float64(len(cases)), s.outcome(outcomeSkipped))
}

func (s *HandlerSuite) TestValidationFailuresAreSkipped() {
	s.appender.EXPECT().Append(gomock.Any(), s.tenant, gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeValidation, `unknown action "approve"`))

	msg := &consumer.Message{Value: []byte(`{"tenantId":"` + s.tenant.String() + `","action":"approve","entityType":"x"}`)}
	s.NoError(s.handler.Handle(context.Background(), msg))
	s.Equal(1.0, s.outcome(outcomeSkipped))
}

func (s *HandlerSuite) TestTransientFailuresAreRedelivered() {
	boom := dErrors.Wrap(errors.New("connection refused"), dErrors.CodeInternal, "failed to persist audit entry")
	s.appender.EXPECT().Append(gomock.Any(), s.tenant, gomock.Any()).Return(nil, boom)

	msg := &consumer.Message{Value: []byte(`{"tenantId":"` + s.tenant.String() + `","action":"login","entityType":"session"}`)}
	s.ErrorIs(s.handler.Handle(context.Background(), msg), boom)
	s.Equal(1.0, s.outcome(outcomeFailed))
}
