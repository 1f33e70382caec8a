package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"auditchain/internal/audit/models"
)

type InMemoryStoreSuite struct {
	contractSuite
}

func TestInMemoryStoreSuite(t *testing.T) {
	s := new(InMemoryStoreSuite)
	s.store = NewInMemory()
	suite.Run(t, s)
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	st := NewInMemory()
	cs := &contractSuite{store: st}
	cs.resetTenant()
	e := cs.entry(1, cs.base)
	e.NewValues = map[string]any{"title": "a"}
	require.NoError(t, st.Insert(context.Background(), e))

	e.NewValues["title"] = "mutated by caller"
	got, err := st.Scan(context.Background(), cs.tenant, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].NewValues["title"])

	got[0].NewValues["title"] = "mutated by reader"
	again, err := st.Scan(context.Background(), cs.tenant, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].NewValues["title"])
}

func TestInMemoryStoreTamper(t *testing.T) {
	st := NewInMemory()
	cs := &contractSuite{store: st}
	cs.resetTenant()
	require.NoError(t, st.Insert(context.Background(), cs.entry(1, cs.base)))

	assert.True(t, st.Tamper(cs.tenant, 1, func(e *models.Entry) { e.Action = models.ActionDelete }))
	assert.False(t, st.Tamper(cs.tenant, 2, func(*models.Entry) {}))

	got, err := st.Scan(context.Background(), cs.tenant, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ActionDelete, got[0].Action)
}
