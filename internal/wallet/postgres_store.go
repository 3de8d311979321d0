package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tradebay/tradebay/internal/idgen"
	"github.com/tradebay/tradebay/internal/pagination"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Escrow settlement binds wallet mutations into its own serializable
// transaction through it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB // nil when bound to an external transaction
	q  Querier
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// WithTx returns a store bound to an existing transaction. All statements
// run on tx; the caller owns commit and rollback.
func (p *PostgresStore) WithTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{q: tx}
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (the "already done" signal for idempotent creation).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isCheckViolation reports whether err is a CHECK constraint violation
// (a balance would have gone negative).
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

const walletColumns = `id, user_id, account_type, balance, locked_balance, created_at, updated_at`

func scanWallet(row *sql.Row) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.AccountType, &w.Balance, &w.LockedBalance, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, userID string, accountType AccountType) (*Wallet, error) {
	// Upsert keeps first-use creation race-free: a concurrent insert for
	// the same user resolves to the existing row.
	row := p.q.QueryRowContext(ctx, `
		INSERT INTO wallets (id, user_id, account_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = wallets.updated_at
		RETURNING `+walletColumns, idgen.New(), userID, accountType)
	return scanWallet(row)
}

func (p *PostgresStore) Get(ctx context.Context, walletID string) (*Wallet, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID)
	return scanWallet(row)
}

func (p *PostgresStore) GetByUserID(ctx context.Context, userID string) (*Wallet, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	return scanWallet(row)
}

func (p *PostgresStore) AdjustBalances(ctx context.Context, walletID string, delta BalanceDelta) error {
	result, err := p.q.ExecContext(ctx, `
		UPDATE wallets SET
			balance        = balance + $2,
			locked_balance = locked_balance + $3,
			updated_at     = NOW()
		WHERE id = $1
	`, walletID, delta.Balance, delta.Locked)
	if err != nil {
		if isCheckViolation(err) {
			return ErrNegativeBalanceDelta
		}
		return fmt.Errorf("failed to adjust balances: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

const txColumns = `id, wallet_id, type, status, amount, listing_id, external_id,
	idempotency_key, provider_ref, payload, error_message, created_at, updated_at`

func scanTransaction(row *sql.Row) (*Transaction, error) {
	t := &Transaction{}
	var listingID, idemKey, providerRef, payload, errMsg sql.NullString
	err := row.Scan(&t.ID, &t.WalletID, &t.Type, &t.Status, &t.Amount, &listingID,
		&t.ExternalID, &idemKey, &providerRef, &payload, &errMsg, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ListingID = listingID.String
	t.IdempotencyKey = idemKey.String
	t.ProviderRef = providerRef.String
	t.Payload = payload.String
	t.ErrorMessage = errMsg.String
	return t, nil
}

func (p *PostgresStore) CreateTransactionOnce(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	if existing, err := p.GetTransactionByExternalID(ctx, tx.ExternalID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return nil, false, err
	}

	id := tx.ID
	if id == "" {
		id = idgen.New()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, type, status, amount, listing_id, external_id,
			 idempotency_key, provider_ref, payload, error_message)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''))
	`, id, tx.WalletID, tx.Type, tx.Status, tx.Amount, tx.ListingID, tx.ExternalID,
		tx.IdempotencyKey, tx.ProviderRef, tx.Payload, tx.ErrorMessage)
	if err != nil {
		// A losing race on external_id means the work is already done;
		// re-read and return the winner's row.
		if isUniqueViolation(err) {
			existing, rerr := p.GetTransactionByExternalID(ctx, tx.ExternalID)
			if rerr != nil {
				return nil, false, rerr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create transaction: %w", err)
	}

	created, err := p.GetTransaction(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE external_id = $1`, externalID)
	return scanTransaction(row)
}

func (p *PostgresStore) GetTransactionByProviderRef(ctx context.Context, providerRef string) (*Transaction, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE provider_ref = $1
		 ORDER BY created_at DESC LIMIT 1`, providerRef)
	return scanTransaction(row)
}

func (p *PostgresStore) CompleteTopUp(ctx context.Context, txID, providerRef string) (bool, error) {
	run := func(q Querier) (bool, error) {
		var walletID string
		var amount int64
		err := q.QueryRowContext(ctx, `
			UPDATE wallet_transactions SET
				status       = 'COMPLETED',
				provider_ref = $2,
				updated_at   = NOW()
			WHERE id = $1 AND type = 'TOP_UP' AND status = 'PENDING'
			RETURNING wallet_id, amount
		`, txID, providerRef).Scan(&walletID, &amount)
		if err == sql.ErrNoRows {
			// Already settled by a concurrent delivery.
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to complete top-up: %w", err)
		}

		_, err = q.ExecContext(ctx, `
			UPDATE wallets SET balance = balance + $2, updated_at = NOW()
			WHERE id = $1
		`, walletID, amount)
		if err != nil {
			return false, fmt.Errorf("failed to credit top-up: %w", err)
		}
		return true, nil
	}

	if p.db == nil {
		return run(p.q)
	}

	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer dbTx.Rollback()

	applied, err := run(dbTx)
	if err != nil {
		return false, err
	}
	return applied, dbTx.Commit()
}

func (p *PostgresStore) ResolvePurchase(ctx context.Context, walletID, listingID string, status TxStatus, errorMessage string) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE wallet_transactions SET
			status        = $3,
			error_message = NULLIF($4, ''),
			updated_at    = NOW()
		WHERE wallet_id = $1 AND listing_id = $2
		  AND type = 'PURCHASE' AND status = 'PENDING'
	`, walletID, listingID, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to resolve purchase transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) AggregateToday(ctx context.Context, walletID string, typ TxType, now time.Time) (DayTotals, error) {
	var totals DayTotals
	err := p.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(ABS(amount)), 0)
		FROM wallet_transactions
		WHERE wallet_id = $1 AND type = $2 AND status <> 'FAILED'
		  AND created_at >= $3
	`, walletID, typ, utcDayStart(now)).Scan(&totals.Count, &totals.Amount)
	if err != nil {
		return DayTotals{}, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	return totals, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	args := []any{walletID, limit}
	if cursor != nil {
		query = `
		SELECT ` + txColumns + `
		FROM wallet_transactions
		WHERE wallet_id = $1 AND (created_at, id) < ($3, $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var listingID, idemKey, providerRef, payload, errMsg sql.NullString
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Type, &t.Status, &t.Amount, &listingID,
			&t.ExternalID, &idemKey, &providerRef, &payload, &errMsg, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.ListingID = listingID.String
		t.IdempotencyKey = idemKey.String
		t.ProviderRef = providerRef.String
		t.Payload = payload.String
		t.ErrorMessage = errMsg.String
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumBalances(ctx context.Context) (int64, int64, int64, error) {
	var balance, locked int64
	err := p.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0), COALESCE(SUM(locked_balance), 0) FROM wallets
	`).Scan(&balance, &locked)
	if err != nil {
		return 0, 0, 0, err
	}

	var supply int64
	err = p.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions
		WHERE type = 'TOP_UP' AND status = 'COMPLETED'
	`).Scan(&supply)
	if err != nil {
		return 0, 0, 0, err
	}
	return balance, locked, supply, nil
}
