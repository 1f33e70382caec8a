package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditchain/internal/audit/alerts"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/store"
	id "auditchain/pkg/domain"
)

func newTenant() id.TenantID {
	return id.TenantID(uuid.New())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func docFields(i int) models.Fields {
	return models.Fields{
		Action:     models.ActionUpdate,
		EntityType: "document",
		EntityID:   models.StringPtr(fmt.Sprintf("doc-%d", i)),
		OldValues:  map[string]any{"title": fmt.Sprintf("v%d", i)},
		NewValues:  map[string]any{"title": fmt.Sprintf("v%d", i+1), "revision": i + 1},
	}
}

// seedChain appends n entries with increasing timestamps and returns them.
func seedChain(a *Appender, tenantID id.TenantID, base time.Time, n int) ([]*models.Entry, error) {
	out := make([]*models.Entry, 0, n)
	for i := range n {
		f := docFields(i)
		ts := base.Add(time.Duration(i) * time.Minute)
		f.Timestamp = &ts
		e, err := a.Append(context.Background(), tenantID, f)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// recordingPublisher keeps published alerts for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (p *recordingPublisher) Publish(_ context.Context, a alerts.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *recordingPublisher) snapshot() []alerts.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]alerts.Alert(nil), p.alerts...)
}

var _ Store = (*store.InMemoryStore)(nil)
var _ Store = (*store.PostgresStore)(nil)
