package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
	"auditchain/pkg/platform/sentinel"
	"auditchain/pkg/testutil"
)

// chainStore is the method set both implementations share.
type chainStore interface {
	Head(ctx context.Context, tenantID id.TenantID) (*models.ChainHead, error)
	Insert(ctx context.Context, entry *models.Entry) error
	Scan(ctx context.Context, tenantID id.TenantID, afterIndex int64, limit int) ([]*models.Entry, error)
	List(ctx context.Context, tenantID id.TenantID, filter models.Filter, page models.Page) ([]*models.Entry, int64, error)
	ExportBatch(ctx context.Context, tenantID id.TenantID, window models.DateRange, cursor *models.ExportCursor, limit int) ([]*models.Entry, error)
	Tenants(ctx context.Context) ([]id.TenantID, error)
	DeleteExpired(ctx context.Context, tenantID id.TenantID, cutoff time.Time, batch int) (int64, error)
}

// contractSuite runs the same behaviour checks against every store.
type contractSuite struct {
	suite.Suite
	store  chainStore
	tenant id.TenantID
	base   time.Time
}

func (s *contractSuite) resetTenant() {
	s.tenant = id.TenantID(uuid.New())
	s.base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *contractSuite) entry(index int64, ts time.Time) *models.Entry {
	e := &models.Entry{
		ID:         id.NewEntryID(),
		TenantID:   s.tenant,
		Action:     models.ActionUpdate,
		EntityType: "document",
		EntityID:   models.StringPtr(fmt.Sprintf("doc-%d", index)),
		Timestamp:  ts,
		Hash:       fmt.Sprintf("%064x", index),
		ChainIndex: index,
	}
	if index > 1 {
		prev := fmt.Sprintf("%064x", index-1)
		e.PreviousHash = &prev
	}
	return e
}

func (s *contractSuite) seed(n int) []*models.Entry {
	ctx := context.Background()
	var out []*models.Entry
	for i := int64(1); i <= int64(n); i++ {
		e := s.entry(i, s.base.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(s.store.Insert(ctx, e))
		out = append(out, e)
	}
	return out
}

func (s *contractSuite) TestHeadOfEmptyChain() {
	s.resetTenant()
	_, err := s.store.Head(context.Background(), s.tenant)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestInsertAndHead() {
	s.resetTenant()
	entries := s.seed(3)

	head, err := s.store.Head(context.Background(), s.tenant)
	s.Require().NoError(err)
	s.Equal(entries[2].Head(), *head)
	s.False(entries[0].CreatedAt.IsZero(), "store sets created_at")
}

func (s *contractSuite) TestInsertConflict() {
	s.resetTenant()
	s.seed(2)

	err := s.store.Insert(context.Background(), s.entry(2, s.base))
	s.ErrorIs(err, sentinel.ErrConflict)

	head, err := s.store.Head(context.Background(), s.tenant)
	s.Require().NoError(err)
	s.Equal(int64(2), head.ChainIndex)
}

func (s *contractSuite) TestConcurrentInsertSamePosition() {
	s.resetTenant()
	result := testutil.RunConcurrent(20, func(int) error {
		return s.store.Insert(context.Background(), s.entry(1, s.base))
	})
	s.Equal(int32(1), result.Successes)
	s.Equal(int32(19), result.Conflicts)
	s.Zero(result.Errors)
}

func (s *contractSuite) TestRoundTripPreservesFields() {
	s.resetTenant()
	ctx := context.Background()
	user := id.UserID(uuid.New())
	e := s.entry(1, s.base.Add(123*time.Millisecond))
	e.UserID = &user
	e.OldValues = map[string]any{}
	e.NewValues = map[string]any{"amount": 12.5, "count": int64(3), "tags": []any{"a", "<b>"}}
	e.ChangedFields = []string{"amount", "count"}
	e.IPAddress = models.StringPtr("203.0.113.0")
	e.UserAgent = models.StringPtr("curl/8.0")
	e.RequestID = models.StringPtr("req-1")
	e.SessionID = models.StringPtr("sess-1")
	e.Metadata = map[string]any{"method": "PUT"}
	s.Require().NoError(s.store.Insert(ctx, e))

	got, err := s.store.Scan(ctx, s.tenant, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	r := got[0]

	s.Equal(e.ID, r.ID)
	s.Equal(user, *r.UserID)
	s.Equal("doc-1", *r.EntityID)
	s.NotNil(r.OldValues, "empty map must not come back as null")
	s.Empty(r.OldValues)
	s.Equal([]string{"amount", "count"}, r.ChangedFields)
	s.Equal("203.0.113.0", *r.IPAddress)
	s.Equal("curl/8.0", *r.UserAgent)
	s.Equal("req-1", *r.RequestID)
	s.Equal("sess-1", *r.SessionID)
	s.Equal("PUT", r.Metadata["method"])
	s.True(e.Timestamp.Equal(r.Timestamp))
	s.Nil(r.PreviousHash)

	wantJSON, err := json.Marshal(e.NewValues)
	s.Require().NoError(err)
	gotJSON, err := json.Marshal(r.NewValues)
	s.Require().NoError(err)
	s.JSONEq(string(wantJSON), string(gotJSON))
}

func (s *contractSuite) TestScanIsAscendingKeyset() {
	s.resetTenant()
	s.seed(5)
	ctx := context.Background()

	first, err := s.store.Scan(ctx, s.tenant, 0, 2)
	s.Require().NoError(err)
	s.Require().Len(first, 2)
	s.Equal([]int64{1, 2}, indexes(first))

	rest, err := s.store.Scan(ctx, s.tenant, 2, 10)
	s.Require().NoError(err)
	s.Equal([]int64{3, 4, 5}, indexes(rest))

	none, err := s.store.Scan(ctx, s.tenant, 5, 10)
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *contractSuite) TestListFiltersAndPages() {
	s.resetTenant()
	ctx := context.Background()
	s.seed(5)
	other := s.entry(6, s.base.Add(10*time.Minute))
	other.Action = models.ActionDelete
	other.EntityType = "invoice"
	s.Require().NoError(s.store.Insert(ctx, other))

	page, total, err := s.store.List(ctx, s.tenant, models.Filter{}, models.Page{Page: 1, Limit: 4})
	s.Require().NoError(err)
	s.Equal(int64(6), total)
	s.Equal([]int64{6, 5, 4, 3}, indexes(page))

	page, _, err = s.store.List(ctx, s.tenant, models.Filter{}, models.Page{Page: 2, Limit: 4})
	s.Require().NoError(err)
	s.Equal([]int64{2, 1}, indexes(page))

	page, total, err = s.store.List(ctx, s.tenant, models.Filter{Action: models.ActionDelete}, models.Page{Page: 1, Limit: 10})
	s.Require().NoError(err)
	s.Equal(int64(1), total)
	s.Equal([]int64{6}, indexes(page))

	start := s.base.Add(2 * time.Minute)
	end := s.base.Add(4 * time.Minute)
	page, total, err = s.store.List(ctx, s.tenant, models.Filter{EntityType: "document", Range: models.DateRange{Start: &start, End: &end}}, models.Page{Page: 1, Limit: 10})
	s.Require().NoError(err)
	s.Equal(int64(3), total)
	s.Equal([]int64{4, 3, 2}, indexes(page))

	page, _, err = s.store.List(ctx, s.tenant, models.Filter{EntityID: "doc-3"}, models.Page{Page: 1, Limit: 10})
	s.Require().NoError(err)
	s.Equal([]int64{3}, indexes(page))

	page, total, err = s.store.List(ctx, id.TenantID(uuid.New()), models.Filter{}, models.Page{Page: 1, Limit: 10})
	s.Require().NoError(err)
	s.Zero(total)
	s.Empty(page)
}

func (s *contractSuite) TestExportBatchKeyset() {
	s.resetTenant()
	ctx := context.Background()
	s.seed(3)
	// Same timestamp as entry 3: ties break on chain index.
	tie := s.entry(4, s.base.Add(3*time.Minute))
	s.Require().NoError(s.store.Insert(ctx, tie))

	batch, err := s.store.ExportBatch(ctx, s.tenant, models.DateRange{}, nil, 2)
	s.Require().NoError(err)
	s.Equal([]int64{4, 3}, indexes(batch))

	last := batch[len(batch)-1]
	cursor := &models.ExportCursor{Timestamp: last.Timestamp, ChainIndex: last.ChainIndex}
	batch, err = s.store.ExportBatch(ctx, s.tenant, models.DateRange{}, cursor, 2)
	s.Require().NoError(err)
	s.Equal([]int64{2, 1}, indexes(batch))

	start := s.base.Add(2 * time.Minute)
	batch, err = s.store.ExportBatch(ctx, s.tenant, models.DateRange{Start: &start}, nil, 10)
	s.Require().NoError(err)
	s.Equal([]int64{4, 3, 2}, indexes(batch))
}

func (s *contractSuite) TestTenantsListsOnlyActiveChains() {
	s.resetTenant()
	s.seed(1)
	tenants, err := s.store.Tenants(context.Background())
	s.Require().NoError(err)
	s.Contains(tenants, s.tenant)
}

func (s *contractSuite) TestDeleteExpiredTruncatesPrefixOnly() {
	s.resetTenant()
	ctx := context.Background()
	old := s.base.Add(-48 * time.Hour)
	s.Require().NoError(s.store.Insert(ctx, s.entry(1, old)))
	s.Require().NoError(s.store.Insert(ctx, s.entry(2, old)))
	// Recent entry followed by a backdated one: the backdated entry sits
	// behind the window boundary and must survive.
	s.Require().NoError(s.store.Insert(ctx, s.entry(3, s.base)))
	s.Require().NoError(s.store.Insert(ctx, s.entry(4, old)))
	s.Require().NoError(s.store.Insert(ctx, s.entry(5, s.base)))

	cutoff := s.base.Add(-time.Hour)
	deleted, err := s.store.DeleteExpired(ctx, s.tenant, cutoff, 1000)
	s.Require().NoError(err)
	s.Equal(int64(2), deleted)

	remaining, err := s.store.Scan(ctx, s.tenant, 0, 10)
	s.Require().NoError(err)
	s.Equal([]int64{3, 4, 5}, indexes(remaining))

	deleted, err = s.store.DeleteExpired(ctx, s.tenant, cutoff, 1000)
	s.Require().NoError(err)
	s.Zero(deleted, "second run is a no-op")
}

func (s *contractSuite) TestDeleteExpiredKeepsHead() {
	s.resetTenant()
	ctx := context.Background()
	old := s.base.Add(-48 * time.Hour)
	for i := int64(1); i <= 3; i++ {
		s.Require().NoError(s.store.Insert(ctx, s.entry(i, old)))
	}

	deleted, err := s.store.DeleteExpired(ctx, s.tenant, s.base, 1000)
	s.Require().NoError(err)
	s.Equal(int64(2), deleted)

	head, err := s.store.Head(ctx, s.tenant)
	s.Require().NoError(err)
	s.Equal(int64(3), head.ChainIndex)
}

func (s *contractSuite) TestDeleteExpiredHonoursBatch() {
	s.resetTenant()
	ctx := context.Background()
	old := s.base.Add(-48 * time.Hour)
	for i := int64(1); i <= 6; i++ {
		s.Require().NoError(s.store.Insert(ctx, s.entry(i, old)))
	}

	deleted, err := s.store.DeleteExpired(ctx, s.tenant, s.base, 2)
	s.Require().NoError(err)
	s.Equal(int64(2), deleted)

	remaining, err := s.store.Scan(ctx, s.tenant, 0, 10)
	s.Require().NoError(err)
	s.Equal([]int64{3, 4, 5, 6}, indexes(remaining))
}

func indexes(entries []*models.Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ChainIndex)
	}
	return out
}
