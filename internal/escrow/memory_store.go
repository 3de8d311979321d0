package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tradebay/tradebay/internal/wallet"
)

// MemoryStore is an in-memory Store for tests and local development. A
// single mutex stands in for the serializable transactions the Postgres
// store uses, so each settlement is still one atomic unit.
type MemoryStore struct {
	mu       sync.Mutex
	listings map[string]*Listing

	wallets        *wallet.MemoryStore
	treasuryUserID string
}

// NewMemoryStore creates a memory store settling against the given wallet
// store. Fee credits go to the treasury user's wallet.
func NewMemoryStore(wallets *wallet.MemoryStore, treasuryUserID string) *MemoryStore {
	return &MemoryStore{
		listings:       make(map[string]*Listing),
		wallets:        wallets,
		treasuryUserID: treasuryUserID,
	}
}

func (m *MemoryStore) CreateListing(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cp := *l
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.listings[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*Listing, error) {
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) SetHidden(ctx context.Context, id string, hidden bool) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	switch {
	case hidden && l.Status == StatusActive:
		l.Status = StatusHidden
	case !hidden && l.Status == StatusHidden:
		l.Status = StatusActive
	case hidden && l.Status == StatusHidden, !hidden && l.Status == StatusActive:
		// no-op
	default:
		return nil, ErrNotActive
	}
	l.UpdatedAt = time.Now()
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, p ReserveParams) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[p.ListingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	if l.Status != StatusActive {
		return nil, ErrNotActive
	}

	buyer, err := m.wallets.GetOrCreate(ctx, p.BuyerID, wallet.AccountUser)
	if err != nil {
		return nil, err
	}
	total := p.Quote.TotalStars
	if buyer.Balance < total {
		return nil, wallet.ErrInsufficientFunds
	}

	if err := m.wallets.AdjustBalances(ctx, buyer.ID, wallet.BalanceDelta{Balance: -total, Locked: total}); err != nil {
		return nil, err
	}
	if _, _, err := m.wallets.CreateTransactionOnce(ctx, &wallet.Transaction{
		WalletID:       buyer.ID,
		Type:           wallet.TxPurchase,
		Status:         wallet.StatusPending,
		Amount:         -total,
		ListingID:      p.ListingID,
		ExternalID:     p.ExternalID,
		IdempotencyKey: p.ExternalID,
	}); err != nil {
		// Undo the hold so the failed unit leaves no trace.
		_ = m.wallets.AdjustBalances(ctx, buyer.ID, wallet.BalanceDelta{Balance: total, Locked: -total})
		return nil, err
	}

	l.Status = StatusReserved
	l.BuyerID = p.BuyerID
	l.HoldAmount = total
	l.FeeAmount = p.Quote.FeeStars
	l.ReservedAt = p.Now
	l.ExpiresAt = p.ExpiresAt
	l.UpdatedAt = p.Now
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Release(ctx context.Context, listingID string) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	if l.Status == StatusSold {
		return &Settlement{ListingID: listingID, AlreadySettled: true}, nil
	}
	if l.Status != StatusReserved && l.Status != StatusDisputed {
		return nil, ErrNotReserved
	}

	buyer, err := m.wallets.GetByUserID(ctx, l.BuyerID)
	if err != nil {
		return nil, err
	}
	releasable, fee := settle(l.HoldAmount, l.FeeAmount, buyer.LockedBalance)
	sellerAmount := releasable - fee

	if releasable > 0 {
		if err := m.wallets.AdjustBalances(ctx, buyer.ID, wallet.BalanceDelta{Locked: -releasable}); err != nil {
			return nil, err
		}
	}

	seller, err := m.wallets.GetOrCreate(ctx, l.SellerID, wallet.AccountUser)
	if err != nil {
		return nil, err
	}
	if sellerAmount > 0 {
		if err := m.wallets.AdjustBalances(ctx, seller.ID, wallet.BalanceDelta{Balance: sellerAmount}); err != nil {
			return nil, err
		}
	}
	if _, _, err := m.wallets.CreateTransactionOnce(ctx, &wallet.Transaction{
		WalletID:   seller.ID,
		Type:       wallet.TxSale,
		Status:     wallet.StatusCompleted,
		Amount:     sellerAmount,
		ListingID:  listingID,
		ExternalID: "sale:" + listingID,
	}); err != nil {
		return nil, err
	}

	if fee > 0 {
		treasury, err := m.wallets.GetOrCreate(ctx, m.treasuryUserID, wallet.AccountSystem)
		if err != nil {
			return nil, err
		}
		if err := m.wallets.AdjustBalances(ctx, treasury.ID, wallet.BalanceDelta{Balance: fee}); err != nil {
			return nil, err
		}
		if _, _, err := m.wallets.CreateTransactionOnce(ctx, &wallet.Transaction{
			WalletID:   treasury.ID,
			Type:       wallet.TxFee,
			Status:     wallet.StatusCompleted,
			Amount:     fee,
			ListingID:  listingID,
			ExternalID: "fee:" + listingID,
		}); err != nil {
			return nil, err
		}
	}

	if err := m.wallets.ResolvePurchase(ctx, buyer.ID, listingID, wallet.StatusCompleted, ""); err != nil {
		return nil, err
	}

	l.Status = StatusSold
	l.UpdatedAt = time.Now()
	return &Settlement{
		ListingID:    listingID,
		Released:     releasable,
		SellerAmount: sellerAmount,
		FeeAmount:    fee,
	}, nil
}

func (m *MemoryStore) Refund(ctx context.Context, listingID, reason string) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	if l.Status == StatusActive || l.Status == StatusHidden {
		return &Settlement{ListingID: listingID, AlreadySettled: true}, nil
	}
	if l.Status == StatusSold {
		return nil, ErrAlreadySold
	}

	buyer, err := m.wallets.GetByUserID(ctx, l.BuyerID)
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			// No wallet means no funds ever moved; just restore the listing.
			m.clearReservation(l)
			return &Settlement{ListingID: listingID}, nil
		}
		return nil, err
	}

	refundable, _ := settle(l.HoldAmount, 0, buyer.LockedBalance)
	if refundable > 0 {
		if err := m.wallets.AdjustBalances(ctx, buyer.ID, wallet.BalanceDelta{Balance: refundable, Locked: -refundable}); err != nil {
			return nil, err
		}
		if _, _, err := m.wallets.CreateTransactionOnce(ctx, &wallet.Transaction{
			WalletID:   buyer.ID,
			Type:       wallet.TxRefund,
			Status:     wallet.StatusCompleted,
			Amount:     refundable,
			ListingID:  listingID,
			ExternalID: "refund:" + listingID,
		}); err != nil {
			return nil, err
		}
	}
	if err := m.wallets.ResolvePurchase(ctx, buyer.ID, listingID, wallet.StatusFailed, reason); err != nil {
		return nil, err
	}

	m.clearReservation(l)
	return &Settlement{ListingID: listingID, Refunded: refundable}, nil
}

func (m *MemoryStore) clearReservation(l *Listing) {
	l.Status = StatusActive
	l.BuyerID = ""
	l.HoldAmount = 0
	l.FeeAmount = 0
	l.ReservedAt = time.Time{}
	l.ExpiresAt = time.Time{}
	l.DisputedAt = time.Time{}
	l.DisputeReason = ""
	l.UpdatedAt = time.Now()
}

func (m *MemoryStore) MarkDisputed(ctx context.Context, listingID, reason string, at time.Time) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	if l.Status == StatusDisputed {
		cp := *l
		return &cp, nil
	}
	if l.Status != StatusReserved {
		return nil, ErrNotReserved
	}

	l.Status = StatusDisputed
	l.DisputedAt = at
	l.DisputeReason = reason
	l.UpdatedAt = at
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, ttl time.Duration, limit int) ([]*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadlineOf := func(l *Listing) time.Time {
		if !l.ExpiresAt.IsZero() {
			return l.ExpiresAt
		}
		return l.ReservedAt.Add(ttl)
	}

	var expired []*Listing
	for _, l := range m.listings {
		if l.Status != StatusReserved {
			continue
		}
		if !deadlineOf(l).After(now) {
			cp := *l
			expired = append(expired, &cp)
		}
	}
	// Oldest deadline first, so a clamped batch drains the backlog in
	// expiry order.
	sort.Slice(expired, func(i, j int) bool {
		return deadlineOf(expired[i]).Before(deadlineOf(expired[j]))
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}
