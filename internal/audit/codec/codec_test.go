package codec

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"auditchain/internal/audit/models"
	id "auditchain/pkg/domain"
)

type CodecSuite struct {
	suite.Suite
	entry *models.Entry
}

func TestCodecSuite(t *testing.T) {
	suite.Run(t, new(CodecSuite))
}

func (s *CodecSuite) SetupTest() {
	userID := id.UserID(uuid.MustParse("22222222-2222-2222-2222-222222222222"))
	prev := strings.Repeat("ab", 32)
	s.entry = &models.Entry{
		ID:         id.NewEntryID(),
		TenantID:   id.TenantID(uuid.MustParse("11111111-1111-1111-1111-111111111111")),
		UserID:     &userID,
		Action:     models.ActionUpdate,
		EntityType: "document",
		EntityID:   models.StringPtr("doc-<1>"),
		OldValues:  map[string]any{"title": "a & b"},
		NewValues: map[string]any{
			"z": 1,
			"a": map[string]any{"y": 1.5},
			"b": []any{1, "x", nil},
		},
		ChangedFields: []string{"title"},
		IPAddress:     models.StringPtr("203.0.113.7"),
		Metadata:      map[string]any{"method": "PUT"},
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 678912000, time.UTC),
		PreviousHash:  &prev,
		ChainIndex:    2,
	}
}

func (s *CodecSuite) TestCanonicalLayout() {
	b, err := Canonical(s.entry)
	s.Require().NoError(err)
	s.Equal(`{"tenantId":"11111111-1111-1111-1111-111111111111",`+
		`"userId":"22222222-2222-2222-2222-222222222222",`+
		`"action":"update","entityType":"document","entityId":"doc-<1>",`+
		`"oldValues":{"title":"a & b"},`+
		`"newValues":{"a":{"y":1.5},"b":[1,"x",null],"z":1},`+
		`"timestamp":"2026-01-02T03:04:05.678Z",`+
		`"previousHash":"`+strings.Repeat("ab", 32)+`","chainIndex":2}`, string(b))
}

func (s *CodecSuite) TestGoldenDigests() {
	h, err := Hash(s.entry)
	s.Require().NoError(err)
	s.Equal("39ca51005d3e33dc5002cdfebcb757b62a2dc7f51a96f2ab0c62c9e2c8052f78", h)

	genesis := &models.Entry{
		TenantID:   s.entry.TenantID,
		Action:     models.ActionLogin,
		EntityType: "session",
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ChainIndex: 1,
	}
	h, err = Hash(genesis)
	s.Require().NoError(err)
	s.Equal("f0ae9a502fc8fe410fb0c513e6a00dd7baf9ddfdf6595ac8440e00799b4bdecf", h)
}

func (s *CodecSuite) TestDeterministic() {
	first, err := Hash(s.entry)
	s.Require().NoError(err)
	for range 20 {
		again, err := Hash(s.entry)
		s.Require().NoError(err)
		s.Equal(first, again)
	}
}

func (s *CodecSuite) TestUnhashedFieldsDoNotAffectDigest() {
	before, err := Hash(s.entry)
	s.Require().NoError(err)

	s.entry.ID = id.NewEntryID()
	s.entry.ChangedFields = []string{"other"}
	s.entry.IPAddress = nil
	s.entry.UserAgent = models.StringPtr("curl/8")
	s.entry.RequestID = models.StringPtr("req-1")
	s.entry.SessionID = models.StringPtr("sess-1")
	s.entry.Metadata = map[string]any{"path": "/x"}
	s.entry.CreatedAt = time.Now()

	after, err := Hash(s.entry)
	s.Require().NoError(err)
	s.Equal(before, after)
}

func (s *CodecSuite) TestEveryHashedFieldAffectsDigest() {
	base, err := Hash(s.entry)
	s.Require().NoError(err)

	mutations := map[string]func(e *models.Entry){
		"tenantId":     func(e *models.Entry) { e.TenantID = id.TenantID(uuid.New()) },
		"userId":       func(e *models.Entry) { e.UserID = nil },
		"action":       func(e *models.Entry) { e.Action = models.ActionDelete },
		"entityType":   func(e *models.Entry) { e.EntityType = "invoice" },
		"entityId":     func(e *models.Entry) { e.EntityID = models.StringPtr("doc-2") },
		"oldValues":    func(e *models.Entry) { e.OldValues = nil },
		"newValues":    func(e *models.Entry) { e.NewValues["z"] = 2 },
		"timestamp":    func(e *models.Entry) { e.Timestamp = e.Timestamp.Add(time.Millisecond) },
		"previousHash": func(e *models.Entry) { e.PreviousHash = nil },
		"chainIndex":   func(e *models.Entry) { e.ChainIndex = 3 },
	}
	for name, mutate := range mutations {
		s.Run(name, func() {
			e := s.entry.Clone()
			mutate(e)
			h, err := Hash(e)
			s.Require().NoError(err)
			s.NotEqual(base, h)
		})
	}
}

func (s *CodecSuite) TestEmptyMapDiffersFromNull() {
	a := s.entry.Clone()
	a.OldValues = map[string]any{}
	b := s.entry.Clone()
	b.OldValues = nil

	ha, err := Hash(a)
	s.Require().NoError(err)
	hb, err := Hash(b)
	s.Require().NoError(err)
	s.NotEqual(ha, hb)
}

func (s *CodecSuite) TestSubMillisecondPrecisionIgnored() {
	a := s.entry.Clone()
	b := s.entry.Clone()
	b.Timestamp = a.Timestamp.Truncate(time.Millisecond).In(time.FixedZone("X", 7200))

	ha, err := Hash(a)
	s.Require().NoError(err)
	hb, err := Hash(b)
	s.Require().NoError(err)
	s.Equal(ha, hb)
}

func (s *CodecSuite) TestVerify() {
	h, err := Hash(s.entry)
	s.Require().NoError(err)
	s.entry.Hash = h

	ok, err := Verify(s.entry)
	s.Require().NoError(err)
	s.True(ok)

	s.entry.NewValues["z"] = 99
	ok, err = Verify(s.entry)
	s.Require().NoError(err)
	s.False(ok)
}

// Values read back from JSONB with UseNumber must hash like the originals.
func TestStorageRoundTripHashesIdentically(t *testing.T) {
	type snapshot struct {
		Amount float64 `json:"amount"`
		Count  int     `json:"count"`
		Name   string  `json:"name"`
	}
	tenant := id.TenantID(uuid.New())
	entry := &models.Entry{
		TenantID:   tenant,
		Action:     models.ActionCreate,
		EntityType: "invoice",
		NewValues: map[string]any{
			"snapshot": snapshot{Amount: 12.5, Count: 3, Name: "<b>"},
			"big":      1e21,
			"neg":      -7,
		},
		Timestamp:  time.Now(),
		ChainIndex: 1,
	}
	original, err := Hash(entry)
	require.NoError(t, err)

	raw, err := json.Marshal(entry.NewValues)
	require.NoError(t, err)
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var stored map[string]any
	require.NoError(t, dec.Decode(&stored))

	roundTripped := entry.Clone()
	roundTripped.NewValues = stored
	again, err := Hash(roundTripped)
	require.NoError(t, err)
	assert.Equal(t, original, again)

	// Postgres may also render numerics with trailing zeros.
	roundTripped.NewValues = map[string]any{
		"snapshot": map[string]any{"amount": json.Number("12.50"), "count": json.Number("3"), "name": "<b>"},
		"big":      json.Number("1000000000000000000000"),
		"neg":      json.Number("-7"),
	}
	again, err = Hash(roundTripped)
	require.NoError(t, err)
	assert.Equal(t, original, again)
}

func TestNormalizeValues(t *testing.T) {
	out, err := NormalizeValues(map[string]any{"n": json.Number("2"), "f": 2.25, "s": []any{json.Number("1.0")}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(2), "f": 2.25, "s": []any{int64(1)}}, out)

	out, err = NormalizeValues(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
