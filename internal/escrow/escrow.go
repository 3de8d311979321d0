// Package escrow coordinates the reservation lifecycle of marketplace
// listings and the funds held against them.
//
// A purchase locks the buyer's Trade Coins against the listing
// (ACTIVE→RESERVED). Confirmation releases the hold to the seller minus
// the platform fee (→SOLD). Cancellation, dispute resolution, and
// reservation timeout return the hold to the buyer (→ACTIVE). Every fund
// movement is a wallet transaction anchored on a deterministic external
// id, so a retried settlement has exactly one balance effect.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradebay/tradebay/internal/idgen"
	"github.com/tradebay/tradebay/internal/metrics"
	"github.com/tradebay/tradebay/internal/pricing"
	"github.com/tradebay/tradebay/internal/traces"
	"github.com/tradebay/tradebay/internal/wallet"
)

var (
	ErrListingNotFound  = errors.New("listing not found")
	ErrNotActive        = errors.New("listing is not active")
	ErrNotReserved      = errors.New("listing is not reserved")
	ErrAlreadySold      = errors.New("listing is already sold")
	ErrDisputed         = errors.New("listing is under dispute")
	ErrSelfTrade        = errors.New("cannot buy your own listing")
	ErrNotPurchasable   = errors.New("listing is not for direct sale")
	ErrCurrencyMismatch = errors.New("listing currency is not supported")
	ErrInvalidPrice     = errors.New("listing has no valid price")
	ErrNotBuyer         = errors.New("only the reserving buyer can do this")
	ErrNotParty         = errors.New("only the buyer or seller can do this")
)

// Status is the lifecycle state of a listing.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusReserved Status = "RESERVED"
	StatusDisputed Status = "DISPUTED"
	StatusSold     Status = "SOLD"
	StatusHidden   Status = "HIDDEN"
)

// SaleType distinguishes directly purchasable listings.
type SaleType string

const (
	SaleDirect  SaleType = "SALE"
	SaleAuction SaleType = "AUCTION"
)

// Listing is a marketplace item. Escrow fields (BuyerID, HoldAmount,
// FeeAmount, timestamps) are set while a reservation is in flight and
// cleared on refund.
type Listing struct {
	ID            string    `json:"id"`
	SellerID      string    `json:"sellerId"`
	Title         string    `json:"title"`
	SaleType      SaleType  `json:"saleType"`
	PriceFiat     int64     `json:"priceFiat"`
	Currency      string    `json:"currency"`
	Status        Status    `json:"status"`
	BuyerID       string    `json:"buyerId,omitempty"`
	HoldAmount    int64     `json:"holdAmount,omitempty"`
	FeeAmount     int64     `json:"feeAmount,omitempty"`
	ReservedAt    time.Time `json:"reservedAt,omitzero"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
	DisputedAt    time.Time `json:"disputedAt,omitzero"`
	DisputeReason string    `json:"disputeReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Settlement is the outcome of releasing or refunding a reservation.
// Amounts reflect what actually moved, which can be less than the recorded
// hold if the ledger was left in a partial state by an earlier incident.
type Settlement struct {
	ListingID      string `json:"listingId"`
	Released       int64  `json:"released,omitempty"` // total taken out of the buyer's hold
	SellerAmount   int64  `json:"sellerAmount,omitempty"`
	FeeAmount      int64  `json:"feeAmount,omitempty"`
	Refunded       int64  `json:"refunded,omitempty"`
	AlreadySettled bool   `json:"alreadySettled,omitempty"`
}

// ReserveParams carries one atomic reservation.
type ReserveParams struct {
	ListingID  string
	BuyerID    string
	Quote      pricing.Quote
	ExternalID string
	ExpiresAt  time.Time
	Now        time.Time
}

// Store persists listings and executes settlement as atomic units spanning
// the listing and the wallets involved.
type Store interface {
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	SetHidden(ctx context.Context, id string, hidden bool) (*Listing, error)

	// Reserve moves the listing ACTIVE→RESERVED, locks the buyer's funds,
	// and writes the PENDING purchase transaction, all in one unit.
	Reserve(ctx context.Context, p ReserveParams) (*Listing, error)

	// Release settles RESERVED|DISPUTED→SOLD: unlocks the buyer's hold,
	// credits the seller and the treasury, completes the purchase entry.
	// A listing that is already SOLD returns AlreadySettled with no
	// movement.
	Release(ctx context.Context, listingID string) (*Settlement, error)

	// Refund settles RESERVED|DISPUTED→ACTIVE: returns the hold to the
	// buyer, fails the purchase entry with reason, clears escrow fields.
	// A listing that is already ACTIVE returns AlreadySettled.
	Refund(ctx context.Context, listingID, reason string) (*Settlement, error)

	// MarkDisputed freezes a RESERVED listing. Already-DISPUTED is a no-op.
	MarkDisputed(ctx context.Context, listingID, reason string, at time.Time) (*Listing, error)

	// ListExpired returns RESERVED listings whose reservation has timed
	// out as of now. Listings without an explicit expiry fall back to
	// reservedAt+ttl.
	ListExpired(ctx context.Context, now time.Time, ttl time.Duration, limit int) ([]*Listing, error)
}

// EventSink receives deal lifecycle events. Implementations must not
// block; delivery is best-effort.
type EventSink interface {
	Publish(ctx context.Context, event string, payload map[string]any)
}

// Limits configures per-buyer purchase ceilings. Zero disables a check.
type Limits struct {
	PurchaseDailyAmount int64
	PurchaseDailyOps    int
}

// Service implements the reservation lifecycle on top of Store.
type Service struct {
	store   Store
	wallets wallet.Store
	pricer  *pricing.Calculator
	limits  Limits

	currency string
	ttl      time.Duration

	events EventSink
	now    func() time.Time
}

// NewService creates an escrow service. currency is the only fiat currency
// listings may be priced in; ttl bounds how long a reservation may stay
// unconfirmed.
func NewService(store Store, wallets wallet.Store, pricer *pricing.Calculator, currency string, ttl time.Duration) *Service {
	return &Service{
		store:    store,
		wallets:  wallets,
		pricer:   pricer,
		currency: currency,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithLimits sets purchase quota limits.
func (s *Service) WithLimits(l Limits) *Service {
	s.limits = l
	return s
}

// WithEvents adds a deal event sink.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// CreateListing publishes a new listing for a seller.
func (s *Service) CreateListing(ctx context.Context, sellerID, title string, priceFiat int64, saleType SaleType) (*Listing, error) {
	if priceFiat <= 0 {
		return nil, ErrInvalidPrice
	}
	if saleType == "" {
		saleType = SaleDirect
	}
	l := &Listing{
		ID:        idgen.WithPrefix("lst_"),
		SellerID:  sellerID,
		Title:     strings.TrimSpace(title),
		SaleType:  saleType,
		PriceFiat: priceFiat,
		Currency:  s.currency,
		Status:    StatusActive,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetListing returns a listing by id.
func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return s.store.GetListing(ctx, id)
}

// Hide takes an ACTIVE listing off the market; Unhide restores it.
// Reservations in flight are untouched, hiding only affects what new
// buyers can reserve.
func (s *Service) Hide(ctx context.Context, id string) (*Listing, error) {
	return s.store.SetHidden(ctx, id, true)
}

func (s *Service) Unhide(ctx context.Context, id string) (*Listing, error) {
	return s.store.SetHidden(ctx, id, false)
}

// Reservation is the outcome of a purchase call.
type Reservation struct {
	Listing *Listing      `json:"listing"`
	Quote   pricing.Quote `json:"quote"`
	// Retried is true when the idempotency key matched an existing
	// reservation and no new funds were locked.
	Retried bool `json:"retried,omitempty"`
}

// Reserve locks the buyer's funds against a listing. The idempotency key
// makes retries safe: the same key on the same listing returns the
// existing reservation instead of locking twice.
func (s *Service) Reserve(ctx context.Context, listingID, buyerID, idempotencyKey string) (*Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Reserve",
		traces.ListingID(listingID), traces.UserID(buyerID))
	defer span.End()

	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.SellerID == buyerID {
		return nil, ErrSelfTrade
	}
	if l.SaleType != SaleDirect {
		return nil, ErrNotPurchasable
	}
	if l.Currency != s.currency {
		return nil, ErrCurrencyMismatch
	}
	quote, err := s.pricer.Quote(l.PriceFiat)
	if err != nil {
		return nil, ErrInvalidPrice
	}

	if idempotencyKey == "" {
		idempotencyKey = idgen.WithPrefix("pk_")
	}
	externalID := fmt.Sprintf("purchase:%s:%s:%s", listingID, buyerID, idempotencyKey)

	if l.Status != StatusActive {
		return s.retriedReservation(ctx, l, buyerID, externalID, quote)
	}

	if err := s.checkPurchaseQuota(ctx, buyerID, quote.TotalStars); err != nil {
		return nil, err
	}

	now := s.now()
	reserved, err := s.store.Reserve(ctx, ReserveParams{
		ListingID:  listingID,
		BuyerID:    buyerID,
		Quote:      quote,
		ExternalID: externalID,
		ExpiresAt:  now.Add(s.ttl),
		Now:        now,
	})
	if err != nil {
		// Lost the race to another buyer, or a concurrent retry of the
		// same purchase. Either way the listing state decides.
		if errors.Is(err, ErrNotActive) {
			if cur, gerr := s.store.GetListing(ctx, listingID); gerr == nil {
				return s.retriedReservation(ctx, cur, buyerID, externalID, quote)
			}
		}
		return nil, err
	}

	metrics.ReservationsTotal.Inc()
	s.publish(ctx, "listing.reserved", map[string]any{
		"listingId": listingID,
		"sellerId":  l.SellerID,
		"buyerId":   buyerID,
		"amount":    quote.TotalStars,
	})
	return &Reservation{Listing: reserved, Quote: quote}, nil
}

// expiredReason marks refunds produced by the reservation timeout sweep.
const expiredReason = "reservation expired"

// retriedReservation resolves a purchase attempt against a listing that is
// no longer ACTIVE. If this buyer already holds the reservation under the
// same idempotency key and amount, the call is a safe retry.
func (s *Service) retriedReservation(ctx context.Context, l *Listing, buyerID, externalID string, quote pricing.Quote) (*Reservation, error) {
	if l.Status != StatusReserved || l.BuyerID != buyerID {
		return nil, statusError(l.Status)
	}
	tx, err := s.wallets.GetTransactionByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, wallet.ErrTransactionNotFound) {
			return nil, ErrNotActive
		}
		return nil, err
	}
	if tx.Amount != -quote.TotalStars {
		return nil, wallet.ErrIdempotencyConflict
	}
	return &Reservation{Listing: l, Quote: quote, Retried: true}, nil
}

func statusError(st Status) error {
	switch st {
	case StatusSold:
		return ErrAlreadySold
	case StatusDisputed:
		return ErrDisputed
	case StatusReserved:
		return ErrNotActive
	default:
		return ErrNotActive
	}
}

func (s *Service) checkPurchaseQuota(ctx context.Context, buyerID string, amount int64) error {
	if s.limits.PurchaseDailyAmount == 0 && s.limits.PurchaseDailyOps == 0 {
		return nil
	}
	w, err := s.wallets.GetOrCreate(ctx, buyerID, wallet.AccountUser)
	if err != nil {
		return err
	}
	today, err := s.wallets.AggregateToday(ctx, w.ID, wallet.TxPurchase, s.now())
	if err != nil {
		return err
	}
	if s.limits.PurchaseDailyOps > 0 && today.Count+1 > s.limits.PurchaseDailyOps {
		return wallet.ErrDailyOpsExceeded
	}
	if s.limits.PurchaseDailyAmount > 0 && today.Amount+amount > s.limits.PurchaseDailyAmount {
		return wallet.ErrDailyAmountExceeded
	}
	return nil
}

// Confirm completes the deal from the buyer's side, releasing the hold to
// the seller. Confirming an already SOLD listing is a no-op success.
func (s *Service) Confirm(ctx context.Context, listingID, buyerID string) (*Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Confirm",
		traces.ListingID(listingID), traces.UserID(buyerID))
	defer span.End()

	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status == StatusSold {
		if l.BuyerID != buyerID {
			return nil, ErrNotBuyer
		}
		return &Settlement{ListingID: listingID, AlreadySettled: true}, nil
	}
	if l.Status == StatusDisputed {
		return nil, ErrDisputed
	}
	if l.Status != StatusReserved {
		return nil, ErrNotReserved
	}
	if l.BuyerID != buyerID {
		return nil, ErrNotBuyer
	}

	st, err := s.store.Release(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !st.AlreadySettled {
		metrics.SalesTotal.Inc()
		if !l.ReservedAt.IsZero() {
			metrics.HoldDuration.Observe(s.now().Sub(l.ReservedAt).Seconds())
		}
		s.publish(ctx, "listing.sold", map[string]any{
			"listingId":    listingID,
			"sellerId":     l.SellerID,
			"buyerId":      buyerID,
			"sellerAmount": st.SellerAmount,
			"feeAmount":    st.FeeAmount,
		})
	}
	return st, nil
}

// AdminRelease settles a RESERVED or DISPUTED listing in the seller's
// favor without buyer confirmation.
func (s *Service) AdminRelease(ctx context.Context, listingID string) (*Settlement, error) {
	st, err := s.store.Release(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !st.AlreadySettled {
		metrics.SalesTotal.Inc()
		s.publish(ctx, "listing.sold", map[string]any{
			"listingId":    listingID,
			"sellerAmount": st.SellerAmount,
			"feeAmount":    st.FeeAmount,
			"resolvedBy":   "admin",
		})
	}
	return st, nil
}

// Refund cancels a reservation and returns the hold to the buyer. Used by
// admin resolution and by reservation timeout.
func (s *Service) Refund(ctx context.Context, listingID, reason string) (*Settlement, error) {
	st, err := s.store.Refund(ctx, listingID, reason)
	if err != nil {
		return nil, err
	}
	if !st.AlreadySettled {
		trigger := "admin"
		if reason == expiredReason {
			trigger = "timeout"
		}
		metrics.RefundsTotal.WithLabelValues(trigger).Inc()
		s.publish(ctx, "listing.refunded", map[string]any{
			"listingId": listingID,
			"refunded":  st.Refunded,
			"reason":    reason,
		})
	}
	return st, nil
}

// OpenDispute freezes a RESERVED listing pending admin review. Only the
// buyer or seller of the reservation may open it; opening an already
// disputed listing is a no-op.
func (s *Service) OpenDispute(ctx context.Context, listingID, userID, reason string) (*Listing, error) {
	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if userID != l.BuyerID && userID != l.SellerID {
		return nil, ErrNotParty
	}
	if l.Status == StatusDisputed {
		return l, nil
	}
	if l.Status != StatusReserved {
		return nil, ErrNotReserved
	}

	disputed, err := s.store.MarkDisputed(ctx, listingID, reason, s.now())
	if err != nil {
		return nil, err
	}
	metrics.DisputesOpenedTotal.Inc()
	s.publish(ctx, "listing.disputed", map[string]any{
		"listingId": listingID,
		"openedBy":  userID,
		"reason":    reason,
	})
	return disputed, nil
}

// ReleaseExpired refunds reservations whose hold has timed out. Returns
// how many were refunded; an individual failure skips the listing and
// continues, so one poisoned row cannot stall the sweep.
func (s *Service) ReleaseExpired(ctx context.Context, batch int) (int, error) {
	expired, err := s.store.ListExpired(ctx, s.now(), s.ttl, batch)
	if err != nil {
		return 0, err
	}

	processed := 0
	var firstErr error
	for _, l := range expired {
		if _, err := s.Refund(ctx, l.ID, expiredReason); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("refund %s: %w", l.ID, err)
			}
			continue
		}
		processed++
	}
	return processed, firstErr
}

func (s *Service) publish(ctx context.Context, event string, payload map[string]any) {
	if s.events != nil {
		s.events.Publish(ctx, event, payload)
	}
}

// settle computes how much of a recorded hold can actually move given the
// buyer's current locked balance. Normally locked >= hold; a smaller
// locked balance means an earlier partial failure, settle then moves what
// exists instead of failing the whole resolution.
func settle(holdAmount, feeAmount, lockedBalance int64) (releasable, fee int64) {
	releasable = holdAmount
	if lockedBalance < releasable {
		releasable = lockedBalance
	}
	if releasable < 0 {
		releasable = 0
	}
	fee = feeAmount
	if fee > releasable {
		fee = releasable
	}
	if fee < 0 {
		fee = 0
	}
	return releasable, fee
}
