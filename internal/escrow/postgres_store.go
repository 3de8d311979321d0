package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tradebay/tradebay/internal/wallet"
)

// PostgresStore implements Store with PostgreSQL. Every settlement runs
// as one serializable transaction spanning the listing row and the wallet
// tables, so a crash can never leave funds locked without a matching
// listing state.
type PostgresStore struct {
	db             *sql.DB
	wallets        *wallet.PostgresStore
	treasuryUserID string
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB, treasuryUserID string) *PostgresStore {
	return &PostgresStore{
		db:             db,
		wallets:        wallet.NewPostgresStore(db),
		treasuryUserID: treasuryUserID,
	}
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx, w *wallet.PostgresStore) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx, p.wallets.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

const listingColumns = `id, seller_id, title, sale_type, price_fiat, currency, status,
	buyer_id, hold_amount, fee_amount, reserved_at, reservation_expires_at,
	disputed_at, dispute_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*Listing, error) {
	l := &Listing{}
	var buyerID, disputeReason, currency sql.NullString
	var priceFiat, holdAmount, feeAmount sql.NullInt64
	var reservedAt, expiresAt, disputedAt sql.NullTime
	err := row.Scan(&l.ID, &l.SellerID, &l.Title, &l.SaleType, &priceFiat, &currency,
		&l.Status, &buyerID, &holdAmount, &feeAmount, &reservedAt, &expiresAt,
		&disputedAt, &disputeReason, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	l.PriceFiat = priceFiat.Int64
	l.Currency = currency.String
	l.BuyerID = buyerID.String
	l.HoldAmount = holdAmount.Int64
	l.FeeAmount = feeAmount.Int64
	l.ReservedAt = reservedAt.Time
	l.ExpiresAt = expiresAt.Time
	l.DisputedAt = disputedAt.Time
	l.DisputeReason = disputeReason.String
	return l, nil
}

func (p *PostgresStore) CreateListing(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id, title, sale_type, price_fiat, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, l.ID, l.SellerID, l.Title, l.SaleType, l.PriceFiat, l.Currency, l.Status)
	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	return scanListing(row)
}

// getForUpdate re-reads the listing inside a transaction with a row lock.
func getForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Listing, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	return scanListing(row)
}

func (p *PostgresStore) SetHidden(ctx context.Context, id string, hidden bool) (*Listing, error) {
	from, to := StatusHidden, StatusActive
	if hidden {
		from, to = StatusActive, StatusHidden
	}

	var out *Listing
	err := p.inTx(ctx, func(tx *sql.Tx, _ *wallet.PostgresStore) error {
		l, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if l.Status == to {
			out = l
			return nil
		}
		if l.Status != from {
			return ErrNotActive
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE listings SET status = $2, updated_at = NOW() WHERE id = $1`, id, to)
		if err != nil {
			return err
		}
		l.Status = to
		out = l
		return nil
	})
	return out, err
}

func (p *PostgresStore) Reserve(ctx context.Context, params ReserveParams) (*Listing, error) {
	var out *Listing
	err := p.inTx(ctx, func(tx *sql.Tx, w *wallet.PostgresStore) error {
		l, err := getForUpdate(ctx, tx, params.ListingID)
		if err != nil {
			return err
		}
		if l.Status != StatusActive {
			return ErrNotActive
		}

		buyer, err := w.GetOrCreate(ctx, params.BuyerID, wallet.AccountUser)
		if err != nil {
			return err
		}
		total := params.Quote.TotalStars
		if buyer.Balance < total {
			return wallet.ErrInsufficientFunds
		}

		if err := w.AdjustBalances(ctx, buyer.ID, wallet.BalanceDelta{Balance: -total, Locked: total}); err != nil {
			return err
		}
		if _, _, err := w.CreateTransactionOnce(ctx, &wallet.Transaction{
			WalletID:       buyer.ID,
			Type:           wallet.TxPurchase,
			Status:         wallet.StatusPending,
			Amount:         -total,
			ListingID:      params.ListingID,
			ExternalID:     params.ExternalID,
			IdempotencyKey: params.ExternalID,
		}); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE listings SET
				status                 = 'RESERVED',
				buyer_id               = $2,
				hold_amount            = $3,
				fee_amount             = $4,
				reserved_at            = $5,
				reservation_expires_at = $6,
				updated_at             = NOW()
			WHERE id = $1
		`, params.ListingID, params.BuyerID, total, params.Quote.FeeStars, params.Now, params.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to reserve listing: %w", err)
		}

		l.Status = StatusReserved
		l.BuyerID = params.BuyerID
		l.HoldAmount = total
		l.FeeAmount = params.Quote.FeeStars
		l.ReservedAt = params.Now
		l.ExpiresAt = params.ExpiresAt
		out = l
		return nil
	})
	return out, err
}

func (p *PostgresStore) Release(ctx context.Context, listingID string) (*Settlement, error) {
	var out *Settlement
	err := p.inTx(ctx, func(tx *sql.Tx, w *wallet.PostgresStore) error {
		l, err := getForUpdate(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if l.Status == StatusSold {
			out = &Settlement{ListingID: listingID, AlreadySettled: true}
			return nil
		}
		if l.Status != StatusReserved && l.Status != StatusDisputed {
			return ErrNotReserved
		}

		buyer, err := w.GetByUserID(ctx, l.BuyerID)
		if err != nil {
			return err
		}
		releasable, fee := settle(l.HoldAmount, l.FeeAmount, buyer.LockedBalance)
		sellerAmount := releasable - fee

		if releasable > 0 {
			if err := w.AdjustBalances(ctx, buyer.ID, wallet.BalanceDelta{Locked: -releasable}); err != nil {
				return err
			}
		}

		seller, err := w.GetOrCreate(ctx, l.SellerID, wallet.AccountUser)
		if err != nil {
			return err
		}
		if sellerAmount > 0 {
			if err := w.AdjustBalances(ctx, seller.ID, wallet.BalanceDelta{Balance: sellerAmount}); err != nil {
				return err
			}
		}
		if _, _, err := w.CreateTransactionOnce(ctx, &wallet.Transaction{
			WalletID:   seller.ID,
			Type:       wallet.TxSale,
			Status:     wallet.StatusCompleted,
			Amount:     sellerAmount,
			ListingID:  listingID,
			ExternalID: "sale:" + listingID,
		}); err != nil {
			return err
		}

		if fee > 0 {
			treasury, err := w.GetOrCreate(ctx, p.treasuryUserID, wallet.AccountSystem)
			if err != nil {
				return err
			}
			if err := w.AdjustBalances(ctx, treasury.ID, wallet.BalanceDelta{Balance: fee}); err != nil {
				return err
			}
			if _, _, err := w.CreateTransactionOnce(ctx, &wallet.Transaction{
				WalletID:   treasury.ID,
				Type:       wallet.TxFee,
				Status:     wallet.StatusCompleted,
				Amount:     fee,
				ListingID:  listingID,
				ExternalID: "fee:" + listingID,
			}); err != nil {
				return err
			}
		}

		if err := w.ResolvePurchase(ctx, buyer.ID, listingID, wallet.StatusCompleted, ""); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE listings SET status = 'SOLD', updated_at = NOW() WHERE id = $1`, listingID); err != nil {
			return fmt.Errorf("failed to mark listing sold: %w", err)
		}

		out = &Settlement{
			ListingID:    listingID,
			Released:     releasable,
			SellerAmount: sellerAmount,
			FeeAmount:    fee,
		}
		return nil
	})
	return out, err
}

func (p *PostgresStore) Refund(ctx context.Context, listingID, reason string) (*Settlement, error) {
	var out *Settlement
	err := p.inTx(ctx, func(tx *sql.Tx, w *wallet.PostgresStore) error {
		l, err := getForUpdate(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if l.Status == StatusActive || l.Status == StatusHidden {
			out = &Settlement{ListingID: listingID, AlreadySettled: true}
			return nil
		}
		if l.Status == StatusSold {
			return ErrAlreadySold
		}

		refunded := int64(0)
		buyer, err := w.GetByUserID(ctx, l.BuyerID)
		switch {
		case err == nil:
			refunded, _ = settle(l.HoldAmount, 0, buyer.LockedBalance)
			if refunded > 0 {
				if err := w.AdjustBalances(ctx, buyer.ID, wallet.BalanceDelta{Balance: refunded, Locked: -refunded}); err != nil {
					return err
				}
				if _, _, err := w.CreateTransactionOnce(ctx, &wallet.Transaction{
					WalletID:   buyer.ID,
					Type:       wallet.TxRefund,
					Status:     wallet.StatusCompleted,
					Amount:     refunded,
					ListingID:  listingID,
					ExternalID: "refund:" + listingID,
				}); err != nil {
					return err
				}
			}
			if err := w.ResolvePurchase(ctx, buyer.ID, listingID, wallet.StatusFailed, reason); err != nil {
				return err
			}
		case errors.Is(err, wallet.ErrWalletNotFound):
			// No wallet means no funds ever moved; just restore the listing.
		default:
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE listings SET
				status                 = 'ACTIVE',
				buyer_id               = NULL,
				hold_amount            = NULL,
				fee_amount             = NULL,
				reserved_at            = NULL,
				reservation_expires_at = NULL,
				disputed_at            = NULL,
				dispute_reason         = NULL,
				updated_at             = NOW()
			WHERE id = $1
		`, listingID)
		if err != nil {
			return fmt.Errorf("failed to restore listing: %w", err)
		}

		out = &Settlement{ListingID: listingID, Refunded: refunded}
		return nil
	})
	return out, err
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, listingID, reason string, at time.Time) (*Listing, error) {
	var out *Listing
	err := p.inTx(ctx, func(tx *sql.Tx, _ *wallet.PostgresStore) error {
		l, err := getForUpdate(ctx, tx, listingID)
		if err != nil {
			return err
		}
		if l.Status == StatusDisputed {
			out = l
			return nil
		}
		if l.Status != StatusReserved {
			return ErrNotReserved
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE listings SET
				status = 'DISPUTED', disputed_at = $2, dispute_reason = $3, updated_at = NOW()
			WHERE id = $1
		`, listingID, at, reason)
		if err != nil {
			return fmt.Errorf("failed to mark listing disputed: %w", err)
		}

		l.Status = StatusDisputed
		l.DisputedAt = at
		l.DisputeReason = reason
		out = l
		return nil
	})
	return out, err
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, ttl time.Duration, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE status = 'RESERVED'
		  AND (
			(reservation_expires_at IS NOT NULL AND reservation_expires_at <= $1)
			OR (reservation_expires_at IS NULL AND reserved_at IS NOT NULL AND reserved_at <= $2)
		  )
		ORDER BY COALESCE(reservation_expires_at, reserved_at + make_interval(secs => $4))
		LIMIT $3
	`, now, now.Add(-ttl), limit, ttl.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}
