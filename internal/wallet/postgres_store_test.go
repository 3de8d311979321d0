//go:build integration

package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradebay/tradebay/internal/testutil"
)

func TestPostgres_GetOrCreateIsStable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	w1, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)
	w2, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)

	assert.Equal(t, w1.ID, w2.ID)
	assert.Equal(t, AccountUser, w2.AccountType)
	assert.Zero(t, w2.Balance)
}

func TestPostgres_AdjustBalancesEnforcesChecks(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	w, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)

	require.NoError(t, store.AdjustBalances(ctx, w.ID, BalanceDelta{Balance: 100}))
	require.NoError(t, store.AdjustBalances(ctx, w.ID, BalanceDelta{Balance: -60, Locked: 60}))

	err = store.AdjustBalances(ctx, w.ID, BalanceDelta{Balance: -100})
	assert.ErrorIs(t, err, ErrNegativeBalanceDelta)

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.Balance)
	assert.Equal(t, int64(60), got.LockedBalance)

	assert.ErrorIs(t, store.AdjustBalances(ctx, "missing", BalanceDelta{Balance: 1}), ErrWalletNotFound)
}

func TestPostgres_CreateTransactionOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	w, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)

	tx1, created, err := store.CreateTransactionOnce(ctx, &Transaction{
		WalletID:   w.ID,
		Type:       TxTopUp,
		Status:     StatusPending,
		Amount:     500,
		ExternalID: "topup:" + w.ID + ":key-1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	tx2, created, err := store.CreateTransactionOnce(ctx, &Transaction{
		WalletID:   w.ID,
		Type:       TxTopUp,
		Status:     StatusPending,
		Amount:     999,
		ExternalID: "topup:" + w.ID + ":key-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, tx1.ID, tx2.ID)
	assert.Equal(t, int64(500), tx2.Amount)
}

func TestPostgres_CompleteTopUpAppliesOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	w, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)

	tx, _, err := store.CreateTransactionOnce(ctx, &Transaction{
		WalletID:   w.ID,
		Type:       TxTopUp,
		Status:     StatusPending,
		Amount:     500,
		ExternalID: "topup:" + w.ID + ":key-1",
	})
	require.NoError(t, err)

	applied, err := store.CompleteTopUp(ctx, tx.ID, "provider-1")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.CompleteTopUp(ctx, tx.ID, "provider-1")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Balance)

	byRef, err := store.GetTransactionByProviderRef(ctx, "provider-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byRef.ID)
	assert.Equal(t, StatusCompleted, byRef.Status)
}

func TestPostgres_ResolvePurchase(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	w, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)

	tx, _, err := store.CreateTransactionOnce(ctx, &Transaction{
		WalletID:   w.ID,
		Type:       TxPurchase,
		Status:     StatusPending,
		Amount:     -577,
		ListingID:  "lst-1",
		ExternalID: "purchase:lst-1:u1:key-1",
	})
	require.NoError(t, err)

	require.NoError(t, store.ResolvePurchase(ctx, w.ID, "lst-1", StatusFailed, "reservation cancelled"))

	got, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "reservation cancelled", got.ErrorMessage)

	// Settled entries are not revisited.
	require.NoError(t, store.ResolvePurchase(ctx, w.ID, "lst-1", StatusCompleted, ""))
	got, err = store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestPostgres_AggregateToday(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	w, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)

	for i, spec := range []struct {
		status TxStatus
		amount int64
	}{
		{StatusCompleted, 100},
		{StatusPending, 200},
		{StatusFailed, 400},
	} {
		_, _, err := store.CreateTransactionOnce(ctx, &Transaction{
			WalletID:   w.ID,
			Type:       TxTopUp,
			Status:     spec.status,
			Amount:     spec.amount,
			ExternalID: "topup:" + w.ID + ":key-" + string(rune('a'+i)),
		})
		require.NoError(t, err)
	}

	totals, err := store.AggregateToday(ctx, w.ID, TxTopUp, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Count)
	assert.Equal(t, int64(300), totals.Amount)
}

func TestPostgres_SumBalances(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	w1, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)
	w2, err := store.GetOrCreate(ctx, "u2", AccountUser)
	require.NoError(t, err)

	require.NoError(t, store.AdjustBalances(ctx, w1.ID, BalanceDelta{Balance: 300}))
	require.NoError(t, store.AdjustBalances(ctx, w2.ID, BalanceDelta{Balance: 100, Locked: 50}))

	tx, _, err := store.CreateTransactionOnce(ctx, &Transaction{
		WalletID:   w1.ID,
		Type:       TxTopUp,
		Status:     StatusPending,
		Amount:     450,
		ExternalID: "topup:" + w1.ID + ":key-1",
	})
	require.NoError(t, err)
	_, err = store.CompleteTopUp(ctx, tx.ID, "provider-1")
	require.NoError(t, err)

	balance, locked, supply, err := store.SumBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(850), balance) // 300 + 100 + 450 credited
	assert.Equal(t, int64(50), locked)
	assert.Equal(t, int64(450), supply)
}
