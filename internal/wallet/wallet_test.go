package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *captureAlerter) Alert(_ context.Context, subject, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
}

func newTestService(limits Limits) (*Service, *MemoryStore, *captureAlerter) {
	store := NewMemoryStore()
	alerter := &captureAlerter{}
	svc := NewService(store, limits, "treasury").WithAlerter(alerter)
	return svc, store, alerter
}

func TestStartTopUp_CreatesPending(t *testing.T) {
	svc, _, _ := newTestService(Limits{})
	ctx := context.Background()

	res, err := svc.StartTopUp(ctx, "u1", 500, "key-12345")
	require.NoError(t, err)
	require.False(t, res.AlreadyCompleted)

	tx := res.Transaction
	assert.Equal(t, TxTopUp, tx.Type)
	assert.Equal(t, StatusPending, tx.Status)
	assert.Equal(t, int64(500), tx.Amount)
	assert.Equal(t, "topup:"+tx.WalletID+":key-12345", tx.ExternalID)

	// No balance movement until the provider confirms.
	w, err := svc.GetOrCreateWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)
}

func TestStartTopUp_IdempotentRetry(t *testing.T) {
	svc, _, _ := newTestService(Limits{})
	ctx := context.Background()

	first, err := svc.StartTopUp(ctx, "u1", 500, "key-12345")
	require.NoError(t, err)
	second, err := svc.StartTopUp(ctx, "u1", 500, "key-12345")
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	_, txs, _, err := svc.History(ctx, "u1", "", 50)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestStartTopUp_IdempotencyConflict(t *testing.T) {
	svc, _, _ := newTestService(Limits{})
	ctx := context.Background()

	_, err := svc.StartTopUp(ctx, "u1", 500, "key-12345")
	require.NoError(t, err)

	_, err = svc.StartTopUp(ctx, "u1", 700, "key-12345")
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestStartTopUp_RejectsInvalidAmounts(t *testing.T) {
	svc, _, _ := newTestService(Limits{TopUpMax: 10000})
	ctx := context.Background()

	_, err := svc.StartTopUp(ctx, "u1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.StartTopUp(ctx, "u1", -5, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.StartTopUp(ctx, "u1", 10001, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestStartTopUp_DailyAmountLimit(t *testing.T) {
	svc, _, _ := newTestService(Limits{TopUpDailyAmount: 1000})
	ctx := context.Background()

	_, err := svc.StartTopUp(ctx, "u1", 800, "key-aaaaaaaa")
	require.NoError(t, err)

	_, err = svc.StartTopUp(ctx, "u1", 300, "key-bbbbbbbb")
	assert.ErrorIs(t, err, ErrDailyAmountExceeded)

	// Another user's quota is independent.
	_, err = svc.StartTopUp(ctx, "u2", 300, "key-cccccccc")
	assert.NoError(t, err)
}

func TestStartTopUp_DailyOpsLimit(t *testing.T) {
	svc, _, _ := newTestService(Limits{TopUpDailyOps: 2})
	ctx := context.Background()

	_, err := svc.StartTopUp(ctx, "u1", 10, "key-aaaaaaaa")
	require.NoError(t, err)
	_, err = svc.StartTopUp(ctx, "u1", 10, "key-bbbbbbbb")
	require.NoError(t, err)

	_, err = svc.StartTopUp(ctx, "u1", 10, "key-cccccccc")
	assert.ErrorIs(t, err, ErrDailyOpsExceeded)
}

func TestCompleteTopUp_CreditsExactlyOnce(t *testing.T) {
	svc, _, alerter := newTestService(Limits{})
	ctx := context.Background()

	res, err := svc.StartTopUp(ctx, "u1", 500, "key-12345")
	require.NoError(t, err)
	txID := res.Transaction.ID

	tx, err := svc.CompleteTopUp(ctx, txID, "provider-1", 500)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, "provider-1", tx.ProviderRef)

	// Duplicate delivery of the same confirmation is a silent no-op.
	tx, err = svc.CompleteTopUp(ctx, txID, "provider-1", 500)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Empty(t, alerter.subjects)

	w, err := svc.GetOrCreateWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)
}

func TestCompleteTopUp_DuplicateRefAlerts(t *testing.T) {
	svc, _, alerter := newTestService(Limits{})
	ctx := context.Background()

	res, err := svc.StartTopUp(ctx, "u1", 500, "key-12345")
	require.NoError(t, err)
	txID := res.Transaction.ID

	_, err = svc.CompleteTopUp(ctx, txID, "provider-1", 500)
	require.NoError(t, err)

	// Same transaction confirmed again under a different reference:
	// keep the ledger, raise an alert.
	tx, err := svc.CompleteTopUp(ctx, txID, "provider-2", 500)
	require.NoError(t, err)
	assert.Equal(t, "provider-1", tx.ProviderRef)
	assert.Len(t, alerter.subjects, 1)

	w, err := svc.GetOrCreateWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)
}

func TestCompleteTopUp_RefReusedAcrossTransactions(t *testing.T) {
	svc, _, alerter := newTestService(Limits{})
	ctx := context.Background()

	first, err := svc.StartTopUp(ctx, "u1", 500, "key-12345")
	require.NoError(t, err)
	second, err := svc.StartTopUp(ctx, "u1", 300, "key-67890")
	require.NoError(t, err)

	_, err = svc.CompleteTopUp(ctx, first.Transaction.ID, "provider-1", 500)
	require.NoError(t, err)

	// The same provider payment delivered against a different pending
	// transaction must not credit a second time.
	_, err = svc.CompleteTopUp(ctx, second.Transaction.ID, "provider-1", 300)
	assert.ErrorIs(t, err, ErrProviderRefMismatch)
	assert.Len(t, alerter.subjects, 1)

	w, err := svc.GetOrCreateWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)
}

func TestCompleteTopUp_AmountMismatch(t *testing.T) {
	svc, _, alerter := newTestService(Limits{})
	ctx := context.Background()

	res, err := svc.StartTopUp(ctx, "u1", 500, "key-12345")
	require.NoError(t, err)

	_, err = svc.CompleteTopUp(ctx, res.Transaction.ID, "provider-1", 499)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Len(t, alerter.subjects, 1)

	w, err := svc.GetOrCreateWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)
}

func TestCompleteTopUp_UnknownTransaction(t *testing.T) {
	svc, _, _ := newTestService(Limits{})

	_, err := svc.CompleteTopUp(context.Background(), "missing", "provider-1", 500)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestEnsureTreasury(t *testing.T) {
	svc, _, _ := newTestService(Limits{})
	ctx := context.Background()

	w, err := svc.EnsureTreasury(ctx)
	require.NoError(t, err)
	assert.Equal(t, AccountSystem, w.AccountType)
	assert.Equal(t, "treasury", w.UserID)

	again, err := svc.EnsureTreasury(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)
}

func TestAggregateToday_WindowAndFailures(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)

	mk := func(id string, status TxStatus, amount int64, createdAt time.Time) {
		tx, created, err := store.CreateTransactionOnce(ctx, &Transaction{
			WalletID:   w.ID,
			Type:       TxTopUp,
			Status:     status,
			Amount:     amount,
			ExternalID: "topup:" + w.ID + ":" + id,
		})
		require.NoError(t, err)
		require.True(t, created)
		setTransactionCreatedAt(store, tx.ID, createdAt)
	}

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	mk("a", StatusCompleted, 100, now.Add(-time.Hour))
	mk("b", StatusPending, 200, now.Add(-2*time.Hour))
	mk("c", StatusFailed, 400, now.Add(-time.Hour))   // failed, excluded
	mk("d", StatusCompleted, 800, now.Add(-24*time.Hour)) // yesterday, excluded

	totals, err := store.AggregateToday(ctx, w.ID, TxTopUp, now)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Count)
	assert.Equal(t, int64(300), totals.Amount)
}

// setTransactionCreatedAt backdates a stored transaction for window tests.
func setTransactionCreatedAt(store *MemoryStore, txID string, at time.Time) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if tx, ok := store.txs[txID]; ok {
		tx.CreatedAt = at
	}
}

func TestHistory_PagesWithCursor(t *testing.T) {
	svc, store, _ := newTestService(Limits{})
	ctx := context.Background()

	w, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tx, created, err := store.CreateTransactionOnce(ctx, &Transaction{
			WalletID:   w.ID,
			Type:       TxTopUp,
			Status:     StatusCompleted,
			Amount:     int64(100 + i),
			ExternalID: "topup:" + w.ID + ":" + string(rune('a'+i)),
		})
		require.NoError(t, err)
		require.True(t, created)
		setTransactionCreatedAt(store, tx.ID, base.Add(time.Duration(i)*time.Minute))
	}

	_, page1, cursor, err := svc.History(ctx, "u1", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)
	assert.Equal(t, int64(104), page1[0].Amount, "newest entry first")

	_, page2, cursor, err := svc.History(ctx, "u1", cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotEmpty(t, cursor)

	_, page3, cursor, err := svc.History(ctx, "u1", cursor, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor, "last page has no cursor")

	seen := map[string]bool{}
	for _, tx := range append(append(page1, page2...), page3...) {
		assert.False(t, seen[tx.ID], "transaction repeated across pages")
		seen[tx.ID] = true
	}
}

func TestHistory_RejectsMalformedCursor(t *testing.T) {
	svc, _, _ := newTestService(Limits{})

	_, _, _, err := svc.History(context.Background(), "u1", "!!not-a-cursor!!", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestAdjustBalances_RejectsNegative(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.GetOrCreate(ctx, "u1", AccountUser)
	require.NoError(t, err)
	require.NoError(t, store.AdjustBalances(ctx, w.ID, BalanceDelta{Balance: 100}))

	err = store.AdjustBalances(ctx, w.ID, BalanceDelta{Balance: -150})
	assert.ErrorIs(t, err, ErrNegativeBalanceDelta)

	// The failed adjustment must not partially apply.
	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.Zero(t, got.LockedBalance)
}
