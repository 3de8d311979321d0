package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradebay/tradebay/internal/escrow"
	"github.com/tradebay/tradebay/internal/pricing"
	"github.com/tradebay/tradebay/internal/wallet"
)

type testEnv struct {
	svc     *Service
	esc     *escrow.Service
	wallets *wallet.MemoryStore
}

// newTestEnv wires a dispute service against real in-memory escrow and
// wallet stores, so resolutions move actual balances.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	wallets := wallet.NewMemoryStore()
	escStore := escrow.NewMemoryStore(wallets, "treasury")
	pricer, err := pricing.NewCalculator(182, 5)
	require.NoError(t, err)
	esc := escrow.NewService(escStore, wallets, pricer, "RUB", 30*time.Minute)

	svc := NewService(NewMemoryStore(), esc, 24*time.Hour)
	return &testEnv{svc: svc, esc: esc, wallets: wallets}
}

// reservedListing creates a funded, reserved listing and returns its id.
func (e *testEnv) reservedListing(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	l, err := e.esc.CreateListing(ctx, "seller", "vintage lens", 1000, escrow.SaleDirect)
	require.NoError(t, err)

	w, err := e.wallets.GetOrCreate(ctx, "buyer", wallet.AccountUser)
	require.NoError(t, err)
	require.NoError(t, e.wallets.AdjustBalances(ctx, w.ID, wallet.BalanceDelta{Balance: 600}))

	_, err = e.esc.Reserve(ctx, l.ID, "buyer", "key-11111111")
	require.NoError(t, err)
	return l.ID
}

func TestOpen_CreatesCaseAndFreezesListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	dc, err := env.svc.Open(ctx, listingID, "buyer", "item never arrived")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, dc.Status)
	assert.Equal(t, "buyer", dc.OpenedByID)
	assert.False(t, dc.Overdue)
	assert.False(t, dc.SLADeadlineAt.IsZero())

	l, err := env.esc.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, l.Status)

	_, events, err := env.svc.Get(ctx, dc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventOpened, events[0].Type)
}

func TestOpen_SecondOpenReturnsSameCase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	first, err := env.svc.Open(ctx, listingID, "buyer", "item never arrived")
	require.NoError(t, err)
	second, err := env.svc.Open(ctx, listingID, "seller", "buyer is wrong")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestGetByListing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	_, err := env.svc.GetByListing(ctx, listingID)
	assert.ErrorIs(t, err, ErrCaseNotFound)

	opened, err := env.svc.Open(ctx, listingID, "buyer", "item never arrived")
	require.NoError(t, err)

	dc, err := env.svc.GetByListing(ctx, listingID)
	require.NoError(t, err)
	assert.Equal(t, opened.ID, dc.ID)
	assert.Equal(t, StatusOpen, dc.Status)
}

func TestOpen_NonPartyRejected(t *testing.T) {
	env := newTestEnv(t)
	listingID := env.reservedListing(t)

	_, err := env.svc.Open(context.Background(), listingID, "intruder", "not my deal")
	assert.ErrorIs(t, err, escrow.ErrNotParty)
}

func TestMarkInReview_StampsFirstResponse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	dc, err := env.svc.Open(ctx, listingID, "buyer", "item never arrived")
	require.NoError(t, err)

	reviewed, err := env.svc.MarkInReview(ctx, dc.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInReview, reviewed.Status)
	assert.Equal(t, "admin-1", reviewed.AssignedAdminID)
	first := reviewed.FirstResponseAt
	assert.False(t, first.IsZero())

	// Reassignment keeps the original first-response stamp.
	reviewed, err = env.svc.MarkInReview(ctx, dc.ID, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, "admin-2", reviewed.AssignedAdminID)
	assert.Equal(t, first, reviewed.FirstResponseAt)
}

func TestResolve_Refund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	dc, err := env.svc.Open(ctx, listingID, "buyer", "item never arrived")
	require.NoError(t, err)

	res, err := env.svc.Resolve(ctx, dc.ID, "admin-1", OutcomeRefund, "tmpl_not_delivered", "seller unresponsive")
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedRefunded, res.Case.Status)
	assert.Equal(t, int64(577), res.Settlement.Refunded)

	// Buyer made whole, listing back on the market.
	w, err := env.wallets.GetByUserID(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(600), w.Balance)
	assert.Zero(t, w.LockedBalance)

	l, err := env.esc.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusActive, l.Status)

	_, events, err := env.svc.Get(ctx, dc.ID)
	require.NoError(t, err)
	assert.Equal(t, EventResolvedRefund, events[len(events)-1].Type)
}

func TestResolve_Release(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	dc, err := env.svc.Open(ctx, listingID, "seller", "buyer ghosted after pickup")
	require.NoError(t, err)

	res, err := env.svc.Resolve(ctx, dc.ID, "admin-1", OutcomeRelease, "", "pickup confirmed by courier")
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedReleased, res.Case.Status)
	assert.Equal(t, int64(550), res.Settlement.SellerAmount)
	assert.Equal(t, int64(27), res.Settlement.FeeAmount)

	seller, err := env.wallets.GetByUserID(ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, int64(550), seller.Balance)

	_, events, err := env.svc.Get(ctx, dc.ID)
	require.NoError(t, err)
	assert.Equal(t, EventResolvedRelease, events[len(events)-1].Type)
}

func TestResolve_IdempotentSameOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	dc, err := env.svc.Open(ctx, listingID, "buyer", "item never arrived")
	require.NoError(t, err)

	_, err = env.svc.Resolve(ctx, dc.ID, "admin-1", OutcomeRefund, "", "")
	require.NoError(t, err)

	res, err := env.svc.Resolve(ctx, dc.ID, "admin-1", OutcomeRefund, "", "")
	require.NoError(t, err)
	assert.True(t, res.Settlement.AlreadySettled)

	_, err = env.svc.Resolve(ctx, dc.ID, "admin-1", OutcomeRelease, "", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolve_InvalidOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	dc, err := env.svc.Open(ctx, listingID, "buyer", "item never arrived")
	require.NoError(t, err)

	_, err = env.svc.Resolve(ctx, dc.ID, "admin-1", "SPLIT", "", "")
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestReopen_AfterRefundResolution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	dc, err := env.svc.Open(ctx, listingID, "buyer", "item never arrived")
	require.NoError(t, err)
	_, err = env.svc.Resolve(ctx, dc.ID, "admin-1", OutcomeRefund, "", "")
	require.NoError(t, err)

	// Listing is ACTIVE again; a new reservation can be disputed and the
	// case reopens instead of duplicating.
	_, err = env.esc.Reserve(ctx, listingID, "buyer", "key-22222222")
	require.NoError(t, err)

	reopened, err := env.svc.Open(ctx, listingID, "buyer", "arrived broken this time")
	require.NoError(t, err)
	assert.Equal(t, dc.ID, reopened.ID)
	assert.Equal(t, StatusOpen, reopened.Status)
	assert.Empty(t, reopened.ResolutionNote)

	_, events, err := env.svc.Get(ctx, reopened.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, EventOpened, last.Type)
	assert.Equal(t, true, last.Meta["reopened"])
}

func TestQueue_OverdueDerived(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	listingID := env.reservedListing(t)

	_, err := env.svc.Open(ctx, listingID, "buyer", "item never arrived")
	require.NoError(t, err)

	env.svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	cases, err := env.svc.Queue(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.True(t, cases[0].Overdue)

	open, overdue, err := env.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, overdue)
}
