// Package wallet owns per-user Trade Coin balances and the append-only
// wallet transaction log.
//
// Flow:
//  1. User starts a top-up → PENDING TOP_UP transaction, invoice handled upstream
//  2. Funding provider confirms → transaction COMPLETED, balance credited
//  3. Purchases move balance → locked_balance while a deal is in escrow
//  4. Escrow resolution settles the pending PURCHASE transaction
//
// Every ledger write is anchored on a unique external id, so any retried
// call has exactly one balance effect.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradebay/tradebay/internal/idgen"
	"github.com/tradebay/tradebay/internal/metrics"
	"github.com/tradebay/tradebay/internal/pagination"
	"github.com/tradebay/tradebay/internal/traces"
)

var (
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrTransactionNotFound  = errors.New("wallet transaction not found")
	ErrInsufficientFunds    = errors.New("insufficient balance")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrIdempotencyConflict  = errors.New("idempotency key reused with a different amount")
	ErrDailyAmountExceeded  = errors.New("daily amount limit exceeded")
	ErrDailyOpsExceeded     = errors.New("daily operations limit exceeded")
	ErrProviderRefMismatch  = errors.New("provider reference does not match transaction")
	ErrAmountMismatch       = errors.New("confirmed amount does not match transaction")
	ErrNegativeBalanceDelta = errors.New("balance adjustment would go negative")
	ErrInvalidCursor        = errors.New("invalid pagination cursor")
)

// AccountType distinguishes real user wallets from system-owned ones.
type AccountType string

const (
	AccountUser   AccountType = "user"
	AccountSystem AccountType = "system"
)

// TxType classifies ledger entries.
type TxType string

const (
	TxTopUp    TxType = "TOP_UP"
	TxPurchase TxType = "PURCHASE"
	TxSale     TxType = "SALE"
	TxFee      TxType = "FEE"
	TxRefund   TxType = "REFUND"
)

// TxStatus is the lifecycle state of a ledger entry. It only ever moves
// PENDING→COMPLETED or PENDING→FAILED.
type TxStatus string

const (
	StatusPending   TxStatus = "PENDING"
	StatusCompleted TxStatus = "COMPLETED"
	StatusFailed    TxStatus = "FAILED"
)

// Wallet is one user's balance pair. Both fields are non-negative at all
// times; locked_balance holds funds committed to active reservations.
type Wallet struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	AccountType   AccountType `json:"accountType"`
	Balance       int64       `json:"balance"`
	LockedBalance int64       `json:"lockedBalance"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Transaction is an immutable ledger entry. Amount is signed: debits from
// the wallet's point of view are negative.
type Transaction struct {
	ID             string    `json:"id"`
	WalletID       string    `json:"walletId"`
	Type           TxType    `json:"type"`
	Status         TxStatus  `json:"status"`
	Amount         int64     `json:"amount"`
	ListingID      string    `json:"listingId,omitempty"`
	ExternalID     string    `json:"externalId"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	ProviderRef    string    `json:"providerRef,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// BalanceDelta is an atomic adjustment to a wallet's balance pair.
type BalanceDelta struct {
	Balance int64
	Locked  int64
}

// DayTotals aggregates today's ledger activity for quota checks.
type DayTotals struct {
	Count  int
	Amount int64 // sum of absolute amounts
}

// Store persists wallets and transactions.
type Store interface {
	// GetOrCreate returns the wallet for userID, creating a zero-balance
	// one on first use.
	GetOrCreate(ctx context.Context, userID string, accountType AccountType) (*Wallet, error)
	Get(ctx context.Context, walletID string) (*Wallet, error)
	GetByUserID(ctx context.Context, userID string) (*Wallet, error)

	// AdjustBalances atomically applies delta. It fails with
	// ErrNegativeBalanceDelta if either field would go below zero.
	AdjustBalances(ctx context.Context, walletID string, delta BalanceDelta) error

	// CreateTransactionOnce inserts tx keyed on tx.ExternalID. If an entry
	// with that external id already exists it is returned unchanged and
	// created is false. A unique-constraint race is resolved by re-reading,
	// never surfaced as an error.
	CreateTransactionOnce(ctx context.Context, tx *Transaction) (out *Transaction, created bool, err error)

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByExternalID(ctx context.Context, externalID string) (*Transaction, error)
	GetTransactionByProviderRef(ctx context.Context, providerRef string) (*Transaction, error)

	// CompleteTopUp marks a PENDING top-up COMPLETED, records the provider
	// reference, and credits the wallet balance in one atomic step.
	// Returns applied=false if the transaction is already completed.
	CompleteTopUp(ctx context.Context, txID, providerRef string) (applied bool, err error)

	// ResolvePurchase settles the pending PURCHASE entry for a listing,
	// moving it to COMPLETED or FAILED. Settled entries are untouched.
	ResolvePurchase(ctx context.Context, walletID, listingID string, status TxStatus, errorMessage string) error

	// AggregateToday sums today's (UTC) transactions of one type for a
	// wallet. Quotas read the ledger itself so they never drift from
	// actual fund movement.
	AggregateToday(ctx context.Context, walletID string, typ TxType, now time.Time) (DayTotals, error)

	// ListTransactions pages the ledger newest first using keyset
	// ordering on (created_at, id). A nil cursor starts from the top.
	ListTransactions(ctx context.Context, walletID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error)

	// SumBalances totals balance and locked_balance across all wallets,
	// and the completed top-up supply, for conservation reporting.
	SumBalances(ctx context.Context) (balance, locked, topUpSupply int64, err error)
}

// Alerter reports operational anomalies. Implementations are best-effort.
type Alerter interface {
	Alert(ctx context.Context, subject, details string)
}

// Limits configures per-user top-up ceilings. Zero values disable a check.
type Limits struct {
	TopUpMax         int64
	TopUpDailyAmount int64
	TopUpDailyOps    int
}

// Service implements wallet business logic.
type Service struct {
	store          Store
	limits         Limits
	treasuryUserID string
	alerter        Alerter
	now            func() time.Time
}

// NewService creates a wallet service.
func NewService(store Store, limits Limits, treasuryUserID string) *Service {
	return &Service{
		store:          store,
		limits:         limits,
		treasuryUserID: treasuryUserID,
		now:            time.Now,
	}
}

// WithAlerter adds an ops alert channel for top-up anomalies.
func (s *Service) WithAlerter(a Alerter) *Service {
	s.alerter = a
	return s
}

// GetOrCreateWallet returns the wallet for a verified user id, creating it
// lazily on first use.
func (s *Service) GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetOrCreate(ctx, userID, AccountUser)
}

// EnsureTreasury returns the system treasury wallet, creating it if needed.
func (s *Service) EnsureTreasury(ctx context.Context) (*Wallet, error) {
	return s.store.GetOrCreate(ctx, s.treasuryUserID, AccountSystem)
}

// History returns a user's wallet with a page of ledger entries, newest
// first. An empty cursor starts at the top; the returned cursor is empty
// on the last page.
func (s *Service) History(ctx context.Context, userID, cursor string, limit int) (*Wallet, []*Transaction, string, error) {
	w, err := s.store.GetOrCreate(ctx, userID, AccountUser)
	if err != nil {
		return nil, nil, "", err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, nil, "", ErrInvalidCursor
	}

	// Fetch one extra row to learn whether another page exists.
	txs, err := s.store.ListTransactions(ctx, w.ID, cur, limit+1)
	if err != nil {
		return nil, nil, "", err
	}
	page, next, _ := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return w, page, next, nil
}

// TopUpResult is the outcome of StartTopUp.
type TopUpResult struct {
	Transaction *Transaction
	// AlreadyCompleted is true when the idempotency key refers to a
	// top-up the funding provider has already confirmed.
	AlreadyCompleted bool
}

// StartTopUp creates (or returns) the PENDING top-up transaction for an
// idempotency key. The invoice flow with the funding provider happens
// upstream; this only anchors the ledger entry and enforces quotas.
func (s *Service) StartTopUp(ctx context.Context, userID string, amount int64, idempotencyKey string) (*TopUpResult, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.StartTopUp",
		traces.UserID(userID), traces.Amount(amount))
	defer span.End()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.limits.TopUpMax > 0 && amount > s.limits.TopUpMax {
		return nil, fmt.Errorf("%w: max top-up is %d", ErrInvalidAmount, s.limits.TopUpMax)
	}

	w, err := s.store.GetOrCreate(ctx, userID, AccountUser)
	if err != nil {
		return nil, err
	}

	today, err := s.store.AggregateToday(ctx, w.ID, TxTopUp, s.now())
	if err != nil {
		return nil, err
	}
	if s.limits.TopUpDailyOps > 0 && today.Count+1 > s.limits.TopUpDailyOps {
		return nil, ErrDailyOpsExceeded
	}
	if s.limits.TopUpDailyAmount > 0 && today.Amount+amount > s.limits.TopUpDailyAmount {
		return nil, ErrDailyAmountExceeded
	}

	if idempotencyKey == "" {
		idempotencyKey = idgen.WithPrefix("tk_")
	}
	externalID := fmt.Sprintf("topup:%s:%s", w.ID, idempotencyKey)

	tx, created, err := s.store.CreateTransactionOnce(ctx, &Transaction{
		ID:             idgen.New(),
		WalletID:       w.ID,
		Type:           TxTopUp,
		Status:         StatusPending,
		Amount:         amount,
		ExternalID:     externalID,
		IdempotencyKey: idempotencyKey,
		Payload:        "tb_topup:" + idgen.Hex(16),
	})
	if err != nil {
		return nil, err
	}

	if tx.Status == StatusCompleted {
		return &TopUpResult{Transaction: tx, AlreadyCompleted: true}, nil
	}
	if tx.Amount != amount {
		return nil, ErrIdempotencyConflict
	}
	if created {
		metrics.TopUpsTotal.WithLabelValues(string(StatusPending)).Inc()
	}
	return &TopUpResult{Transaction: tx}, nil
}

// CompleteTopUp finalizes a top-up on confirmation from the funding
// provider. It is idempotent on provider reference: duplicate delivery of
// the same confirmation credits the balance exactly once. Mismatched
// amounts or references raise an ops alert and leave the ledger untouched.
func (s *Service) CompleteTopUp(ctx context.Context, txID, providerRef string, amount int64) (*Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Type != TxTopUp {
		return nil, ErrTransactionNotFound
	}

	if tx.ProviderRef == providerRef && tx.Status == StatusCompleted {
		return tx, nil
	}
	if tx.Status == StatusCompleted {
		s.alert(ctx, "Top-up duplicate provider ref",
			fmt.Sprintf("tx=%s existingRef=%s newRef=%s", tx.ID, tx.ProviderRef, providerRef))
		return tx, nil
	}
	if tx.ProviderRef != "" && tx.ProviderRef != providerRef {
		s.alert(ctx, "Top-up provider ref mismatch",
			fmt.Sprintf("tx=%s existingRef=%s newRef=%s", tx.ID, tx.ProviderRef, providerRef))
		return nil, ErrProviderRefMismatch
	}
	if tx.Amount != amount {
		s.alert(ctx, "Top-up amount mismatch",
			fmt.Sprintf("tx=%s expected=%d actual=%d", tx.ID, tx.Amount, amount))
		return nil, ErrAmountMismatch
	}

	// One provider payment credits exactly one ledger entry. A reference
	// already anchored to another transaction means a replayed or forged
	// confirmation.
	switch dup, err := s.store.GetTransactionByProviderRef(ctx, providerRef); {
	case err == nil && dup.ID != tx.ID:
		s.alert(ctx, "Top-up provider ref reused",
			fmt.Sprintf("ref=%s tx=%s existingTx=%s", providerRef, tx.ID, dup.ID))
		return nil, ErrProviderRefMismatch
	case err != nil && !errors.Is(err, ErrTransactionNotFound):
		return nil, err
	}

	if _, err := s.store.CompleteTopUp(ctx, tx.ID, providerRef); err != nil {
		return nil, err
	}
	metrics.TopUpsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	return s.store.GetTransaction(ctx, tx.ID)
}

func (s *Service) alert(ctx context.Context, subject, details string) {
	if s.alerter != nil {
		s.alerter.Alert(ctx, subject, details)
	}
}

// utcDayStart returns midnight UTC of the day containing t. Stores use it
// as the quota window boundary.
func utcDayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
