//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/tradebay/tradebay/internal/idgen"
	"github.com/tradebay/tradebay/internal/pricing"
	"github.com/tradebay/tradebay/internal/testutil"
	"github.com/tradebay/tradebay/internal/wallet"
)

func setupPG(t *testing.T) (*Service, *wallet.PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)

	wallets := wallet.NewPostgresStore(db)
	store := NewPostgresStore(db, "treasury")
	pricer, err := pricing.NewCalculator(182, 5)
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	svc := NewService(store, wallets, pricer, "RUB", 30*time.Minute)
	return svc, wallets, cleanup
}

func fundPG(t *testing.T, wallets *wallet.PostgresStore, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	w, err := wallets.GetOrCreate(ctx, userID, wallet.AccountUser)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := wallets.AdjustBalances(ctx, w.ID, wallet.BalanceDelta{Balance: amount}); err != nil {
		t.Fatalf("AdjustBalances: %v", err)
	}
}

func TestPostgres_PurchaseLifecycle(t *testing.T) {
	svc, wallets, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	l, err := svc.CreateListing(ctx, "seller", "vintage lens", 1000, SaleDirect)
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	fundPG(t, wallets, "buyer", 600)

	res, err := svc.Reserve(ctx, l.ID, "buyer", "key-"+idgen.Hex(8))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Quote.TotalStars != 577 {
		t.Fatalf("quote total: %d", res.Quote.TotalStars)
	}

	buyer, err := wallets.GetByUserID(ctx, "buyer")
	if err != nil {
		t.Fatalf("GetByUserID: %v", err)
	}
	if buyer.Balance != 23 || buyer.LockedBalance != 577 {
		t.Fatalf("buyer balances after reserve: %+v", buyer)
	}

	st, err := svc.Confirm(ctx, l.ID, "buyer")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if st.SellerAmount != 550 || st.FeeAmount != 27 {
		t.Fatalf("settlement: %+v", st)
	}

	seller, err := wallets.GetByUserID(ctx, "seller")
	if err != nil {
		t.Fatalf("seller wallet: %v", err)
	}
	if seller.Balance != 550 {
		t.Fatalf("seller balance: %d", seller.Balance)
	}
	treasury, err := wallets.GetByUserID(ctx, "treasury")
	if err != nil {
		t.Fatalf("treasury wallet: %v", err)
	}
	if treasury.Balance != 27 || treasury.AccountType != wallet.AccountSystem {
		t.Fatalf("treasury wallet: %+v", treasury)
	}

	// Conservation: sum of balances equals the minted supply.
	balance, locked, _, err := wallets.SumBalances(ctx)
	if err != nil {
		t.Fatalf("SumBalances: %v", err)
	}
	if balance+locked != 600 {
		t.Fatalf("conservation violated: balance=%d locked=%d", balance, locked)
	}
}

func TestPostgres_RefundRestores(t *testing.T) {
	svc, wallets, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	l, err := svc.CreateListing(ctx, "seller", "vintage lens", 1000, SaleDirect)
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	fundPG(t, wallets, "buyer", 600)

	if _, err := svc.Reserve(ctx, l.ID, "buyer", "key-"+idgen.Hex(8)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	st, err := svc.Refund(ctx, l.ID, "buyer cancelled")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if st.Refunded != 577 {
		t.Fatalf("refunded: %d", st.Refunded)
	}

	buyer, err := wallets.GetByUserID(ctx, "buyer")
	if err != nil {
		t.Fatalf("buyer wallet: %v", err)
	}
	if buyer.Balance != 600 || buyer.LockedBalance != 0 {
		t.Fatalf("buyer balances after refund: %+v", buyer)
	}

	got, err := svc.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetListing: %v", err)
	}
	if got.Status != StatusActive || got.BuyerID != "" {
		t.Fatalf("listing not restored: %+v", got)
	}

	// Refunding again is a no-op.
	st, err = svc.Refund(ctx, l.ID, "again")
	if err != nil || !st.AlreadySettled {
		t.Fatalf("second refund: st=%+v err=%v", st, err)
	}
}

func TestPostgres_ListExpiredLegacyFallback(t *testing.T) {
	svc, wallets, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	l, err := svc.CreateListing(ctx, "seller", "vintage lens", 1000, SaleDirect)
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	fundPG(t, wallets, "buyer", 600)
	if _, err := svc.Reserve(ctx, l.ID, "buyer", "key-"+idgen.Hex(8)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	store := svc.store.(*PostgresStore)

	// Rows written before expiry tracking have reserved_at but no
	// reservation_expires_at; the sweep falls back to reservedAt+ttl.
	if _, err := store.db.ExecContext(ctx, `
		UPDATE listings SET reservation_expires_at = NULL, reserved_at = NOW() - INTERVAL '2 hours'
		WHERE id = $1
	`, l.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	expired, err := store.ListExpired(ctx, time.Now(), 30*time.Minute, 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != l.ID {
		t.Fatalf("expected the backdated listing, got %+v", expired)
	}
}
