package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/packstation/internal/engine"
)

func sampleOrder() engine.Order {
	return engine.Order{
		ID:     "o1",
		Status: engine.StatusPacking,
		Items: []engine.Item{
			{ID: "i1", SKU: "A", Quantity: 2, Status: engine.ItemPending},
			{ID: "i2", SKU: "B", Quantity: 1, Status: engine.ItemPending},
		},
	}
}

func TestStore_OverlayMergesOverAuthoritative(t *testing.T) {
	s := New()
	s.Reconcile(sampleOrder())

	v, err := s.SetVerified("i1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	assert.Equal(t, 1, s.View().Items[0].VerifiedQuantity)
	assert.Equal(t, 0, s.Authoritative().Items[0].VerifiedQuantity, "authoritative layer must not move")
}

func TestStore_VerifiedIsClamped(t *testing.T) {
	s := New()
	s.Reconcile(sampleOrder())

	v, err := s.SetVerified("i2", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = s.SetVerified("i1", -1)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestStore_ReconcileClearsOverlayAndReportsDivergence(t *testing.T) {
	s := New()
	s.Reconcile(sampleOrder())
	_, _ = s.SetVerified("i1", 1)
	require.NoError(t, s.ApplySkip("i2", "damaged"))

	fresh := sampleOrder()
	fresh.Items[0].VerifiedQuantity = 2
	diffs := s.Reconcile(fresh)

	require.Len(t, diffs, 1)
	assert.Equal(t, Divergence{ItemID: "i1", Optimistic: 1, Authoritative: 2}, diffs[0])
	assert.Empty(t, s.Reconcile(fresh), "overlay is gone after a refresh")

	view := s.View()
	assert.Equal(t, 2, view.Items[0].VerifiedQuantity)
	assert.Equal(t, engine.ItemPending, view.Items[1].Status, "skip overlay is dropped by the refresh")
}

func TestStore_SkipAndUnskip(t *testing.T) {
	s := New()
	s.Reconcile(sampleOrder())

	require.NoError(t, s.ApplySkip("i1", "missing"))
	it, ok := s.Item("i1")
	require.True(t, ok)
	assert.Equal(t, engine.ItemSkipped, it.Status)
	assert.Equal(t, "missing", it.SkipReason)

	require.NoError(t, s.ApplyUnskip("i1"))
	it, _ = s.Item("i1")
	assert.Equal(t, engine.ItemPending, it.Status)
	assert.Empty(t, it.SkipReason)
}

func TestStore_UnknownItem(t *testing.T) {
	s := New()
	s.Reconcile(sampleOrder())

	_, err := s.SetVerified("nope", 1)
	assert.ErrorIs(t, err, engine.ErrUnknownItem)
	assert.ErrorIs(t, s.ApplySkip("nope", "x"), engine.ErrUnknownItem)
}

func TestStore_ViewDoesNotAliasItems(t *testing.T) {
	s := New()
	s.Reconcile(sampleOrder())

	v := s.View()
	v.Items[0].VerifiedQuantity = 99
	assert.Equal(t, 0, s.View().Items[0].VerifiedQuantity)
}
