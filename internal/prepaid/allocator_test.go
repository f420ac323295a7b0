package prepaid_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minimall/ledger/internal/ledger"
	"github.com/minimall/ledger/internal/ledger/memory"
	"github.com/minimall/ledger/internal/prepaid"
)

var t0 = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

func amountLot(id string, balance int64, createdAt time.Time) ledger.CreditLot {
	return ledger.CreditLot{
		ID: id, CustomerID: "c1", Kind: ledger.KindAmount,
		Original: balance, Balance: balance, Status: ledger.LotActive,
		CreatedAt: createdAt,
	}
}

func productLot(id, productID string, units int64, createdAt time.Time) ledger.CreditLot {
	return ledger.CreditLot{
		ID: id, CustomerID: "c1", Kind: ledger.KindProduct, ProductID: productID,
		Original: units, Balance: units, Status: ledger.LotActive,
		CreatedAt: createdAt,
	}
}

func newAllocator(t *testing.T, lots ...ledger.CreditLot) (*prepaid.Allocator, *memory.Store) {
	t.Helper()
	store := memory.New()
	for _, l := range lots {
		store.PutLot(l)
	}
	return &prepaid.Allocator{Ledger: store, Backoff: time.Millisecond}, store
}

func TestAllocate_FIFOAcrossLots(t *testing.T) {
	// L1 (30, older) is drained before L2 (50) is touched.
	a, store := newAllocator(t,
		amountLot("l1", 30, t0),
		amountLot("l2", 50, t0.Add(time.Hour)),
	)
	ctx := context.Background()

	alloc, err := a.Allocate(ctx, "o1", "c1", ledger.KindAmount, "", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), alloc.Total)
	require.Len(t, alloc.Entries, 2)
	assert.Equal(t, prepaid.Entry{LotID: "l1", Amount: 30, Remaining: 0}, alloc.Entries[0])
	assert.Equal(t, prepaid.Entry{LotID: "l2", Amount: 10, Remaining: 40}, alloc.Entries[1])

	l1, _ := store.Lot(ctx, "l1")
	l2, _ := store.Lot(ctx, "l2")
	assert.Equal(t, int64(0), l1.Balance)
	assert.Equal(t, ledger.LotExhausted, l1.Status)
	assert.Equal(t, int64(40), l2.Balance)
	assert.Equal(t, ledger.LotActive, l2.Status)

	audit, _ := store.AuditByOrder(ctx, "o1")
	require.Len(t, audit, 2)
	assert.Equal(t, ledger.AuditLot, audit[0].Ref)
	assert.Equal(t, int64(-30), audit[0].Delta)
	assert.Equal(t, int64(-10), audit[1].Delta)
}

func TestAllocate_DeterministicBreakdown(t *testing.T) {
	lots := []ledger.CreditLot{
		amountLot("l1", 30, t0),
		amountLot("l2", 50, t0.Add(time.Hour)),
		amountLot("l3", 20, t0.Add(2*time.Hour)),
	}

	var first []prepaid.Entry
	for i := 0; i < 5; i++ {
		a, _ := newAllocator(t, lots...)
		alloc, err := a.Allocate(context.Background(), "o1", "c1", ledger.KindAmount, "", 70)
		require.NoError(t, err)
		if first == nil {
			first = alloc.Entries
			continue
		}
		assert.Equal(t, first, alloc.Entries, "same lot set must always yield the same breakdown")
	}
}

func TestAllocate_InsufficientCreditLeavesLotsUntouched(t *testing.T) {
	a, store := newAllocator(t,
		amountLot("l1", 30, t0),
		amountLot("l2", 50, t0.Add(time.Hour)),
	)
	ctx := context.Background()

	_, err := a.Allocate(ctx, "o1", "c1", ledger.KindAmount, "", 1000)
	var short *prepaid.InsufficientCreditError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(1000), short.Required)
	assert.Equal(t, int64(80), short.Available)
	assert.Equal(t, int64(920), short.Shortfall())

	// All-or-nothing: no lot changed.
	l1, _ := store.Lot(ctx, "l1")
	l2, _ := store.Lot(ctx, "l2")
	assert.Equal(t, int64(30), l1.Balance)
	assert.Equal(t, int64(50), l2.Balance)
	assert.Equal(t, ledger.LotActive, l1.Status)

	audit, _ := store.AuditByOrder(ctx, "o1")
	assert.Empty(t, audit)
}

func TestAllocate_NoEligibleLots(t *testing.T) {
	a, _ := newAllocator(t) // no lots at all
	_, err := a.Allocate(context.Background(), "o1", "c1", ledger.KindAmount, "", 10)
	var none *prepaid.NoEligibleLotsError
	require.ErrorAs(t, err, &none)
	assert.Equal(t, "c1", none.CustomerID)

	// Wrong kind only.
	a, _ = newAllocator(t, productLot("l1", "p1", 10, t0))
	_, err = a.Allocate(context.Background(), "o1", "c1", ledger.KindAmount, "", 10)
	require.ErrorAs(t, err, &none)
}

func TestAllocate_ProductKindFiltersByProduct(t *testing.T) {
	a, store := newAllocator(t,
		productLot("l1", "p1", 5, t0),
		productLot("l2", "p2", 5, t0),
	)
	ctx := context.Background()

	alloc, err := a.Allocate(ctx, "o1", "c1", ledger.KindProduct, "p2", 3)
	require.NoError(t, err)
	require.Len(t, alloc.Entries, 1)
	assert.Equal(t, "l2", alloc.Entries[0].LotID)

	l1, _ := store.Lot(ctx, "l1")
	assert.Equal(t, int64(5), l1.Balance, "other product's lot must be untouched")
}

func TestAllocate_InvalidInput(t *testing.T) {
	a, _ := newAllocator(t, amountLot("l1", 30, t0))

	_, err := a.Allocate(context.Background(), "o1", "c1", ledger.KindAmount, "", 0)
	require.Error(t, err)

	_, err = a.Allocate(context.Background(), "o1", "c1", ledger.KindProduct, "", 5)
	require.Error(t, err)
}

func TestAllocate_RetriesOnConflict(t *testing.T) {
	a, store := newAllocator(t, amountLot("l1", 30, t0))
	store.InjectConflicts(2)

	alloc, err := a.Allocate(context.Background(), "o1", "c1", ledger.KindAmount, "", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), alloc.Total)

	l1, _ := store.Lot(context.Background(), "l1")
	assert.Equal(t, int64(20), l1.Balance)
}

func TestRefund_RestoresAndReactivates(t *testing.T) {
	a, store := newAllocator(t,
		amountLot("l1", 30, t0),
		amountLot("l2", 50, t0.Add(time.Hour)),
	)
	ctx := context.Background()

	alloc, err := a.Allocate(ctx, "o1", "c1", ledger.KindAmount, "", 40)
	require.NoError(t, err)

	require.NoError(t, a.Refund(ctx, "o1", alloc.Entries))

	l1, _ := store.Lot(ctx, "l1")
	l2, _ := store.Lot(ctx, "l2")
	assert.Equal(t, int64(30), l1.Balance)
	assert.Equal(t, ledger.LotActive, l1.Status)
	assert.Equal(t, int64(50), l2.Balance)

	// Two debits and two restores in the trail.
	audit, _ := store.AuditByOrder(ctx, "o1")
	assert.Len(t, audit, 4)
}
