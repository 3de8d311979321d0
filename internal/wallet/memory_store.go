package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradebay/tradebay/internal/idgen"
	"github.com/tradebay/tradebay/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode and
// unit tests.
type MemoryStore struct {
	mu            sync.RWMutex
	wallets       map[string]*Wallet // by wallet id
	walletsByUser map[string]string  // user id -> wallet id
	txs           map[string]*Transaction
	txsByExternal map[string]string
	txsByProvider map[string]string
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:       make(map[string]*Wallet),
		walletsByUser: make(map[string]string),
		txs:           make(map[string]*Transaction),
		txsByExternal: make(map[string]string),
		txsByProvider: make(map[string]string),
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID string, accountType AccountType) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.walletsByUser[userID]; ok {
		cp := *m.wallets[id]
		return &cp, nil
	}

	now := time.Now()
	w := &Wallet{
		ID:          idgen.New(),
		UserID:      userID,
		AccountType: accountType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.wallets[w.ID] = w
	m.walletsByUser[userID] = w.ID
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, walletID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetByUserID(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.walletsByUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *m.wallets[id]
	return &cp, nil
}

func (m *MemoryStore) AdjustBalances(ctx context.Context, walletID string, delta BalanceDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Balance+delta.Balance < 0 || w.LockedBalance+delta.Locked < 0 {
		return ErrNegativeBalanceDelta
	}
	w.Balance += delta.Balance
	w.LockedBalance += delta.Locked
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateTransactionOnce(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.txsByExternal[tx.ExternalID]; ok {
		cp := *m.txs[id]
		return &cp, false, nil
	}

	now := time.Now()
	stored := *tx
	if stored.ID == "" {
		stored.ID = idgen.New()
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.txs[stored.ID] = &stored
	m.txsByExternal[stored.ExternalID] = stored.ID
	if stored.ProviderRef != "" {
		m.txsByProvider[stored.ProviderRef] = stored.ID
	}
	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.txsByExternal[externalID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByProviderRef(ctx context.Context, providerRef string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.txsByProvider[providerRef]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) CompleteTopUp(ctx context.Context, txID, providerRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if tx.Status == StatusCompleted {
		return false, nil
	}
	w, ok := m.wallets[tx.WalletID]
	if !ok {
		return false, ErrWalletNotFound
	}

	now := time.Now()
	tx.Status = StatusCompleted
	tx.ProviderRef = providerRef
	tx.UpdatedAt = now
	m.txsByProvider[providerRef] = tx.ID
	w.Balance += tx.Amount
	w.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ResolvePurchase(ctx context.Context, walletID, listingID string, status TxStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.txs {
		if tx.WalletID == walletID && tx.ListingID == listingID &&
			tx.Type == TxPurchase && tx.Status == StatusPending {
			tx.Status = status
			tx.ErrorMessage = errorMessage
			tx.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *MemoryStore) AggregateToday(ctx context.Context, walletID string, typ TxType, now time.Time) (DayTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dayStart := utcDayStart(now)
	var totals DayTotals
	for _, tx := range m.txs {
		if tx.WalletID != walletID || tx.Type != typ || tx.Status == StatusFailed {
			continue
		}
		if tx.CreatedAt.Before(dayStart) {
			continue
		}
		totals.Count++
		if tx.Amount >= 0 {
			totals.Amount += tx.Amount
		} else {
			totals.Amount -= tx.Amount
		}
	}
	return totals, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.WalletID != walletID {
			continue
		}
		if cursor != nil && !beforeCursor(tx, cursor) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether tx sorts strictly after the cursor position
// in the newest-first ordering on (created_at, id).
func beforeCursor(tx *Transaction, c *pagination.Cursor) bool {
	a, b := tx.CreatedAt.UnixNano(), c.CreatedAt.UnixNano()
	if a != b {
		return a < b
	}
	return tx.ID < c.ID
}

func (m *MemoryStore) SumBalances(ctx context.Context) (int64, int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var balance, locked, supply int64
	for _, w := range m.wallets {
		balance += w.Balance
		locked += w.LockedBalance
	}
	for _, tx := range m.txs {
		if tx.Type == TxTopUp && tx.Status == StatusCompleted {
			supply += tx.Amount
		}
	}
	return balance, locked, supply, nil
}
