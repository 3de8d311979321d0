package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradebay/tradebay/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const caseColumns = `id, listing_id, status, opened_by_id, opened_at, first_response_at,
	sla_deadline_at, resolved_at, assigned_admin_id, resolution_template,
	resolution_note, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	c := &Case{}
	var firstResponse, resolvedAt sql.NullTime
	var adminID, template, note sql.NullString
	err := row.Scan(&c.ID, &c.ListingID, &c.Status, &c.OpenedByID, &c.OpenedAt,
		&firstResponse, &c.SLADeadlineAt, &resolvedAt, &adminID, &template, &note,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	c.FirstResponseAt = firstResponse.Time
	c.ResolvedAt = resolvedAt.Time
	c.AssignedAdminID = adminID.String
	c.ResolutionTemplate = template.String
	c.ResolutionNote = note.String
	return c, nil
}

func (p *PostgresStore) UpsertOpen(ctx context.Context, listingID, openedBy string, slaDeadline, now time.Time) (*Case, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanCase(tx.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM dispute_cases WHERE listing_id = $1 FOR UPDATE`, listingID))
	switch {
	case err == nil:
		if !existing.Status.Resolved() {
			return existing, false, tx.Commit()
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE dispute_cases SET
				status              = 'OPEN',
				opened_by_id        = $2,
				opened_at           = $3,
				sla_deadline_at     = $4,
				resolved_at         = NULL,
				assigned_admin_id   = NULL,
				resolution_template = NULL,
				resolution_note     = NULL,
				updated_at          = NOW()
			WHERE id = $1
			RETURNING `+caseColumns, existing.ID, openedBy, now, slaDeadline)
		reopened, err := scanCase(row)
		if err != nil {
			return nil, false, err
		}
		return reopened, true, tx.Commit()
	case err == ErrCaseNotFound:
		row := tx.QueryRowContext(ctx, `
			INSERT INTO dispute_cases (id, listing_id, status, opened_by_id, opened_at, sla_deadline_at)
			VALUES ($1, $2, 'OPEN', $3, $4, $5)
			RETURNING `+caseColumns, idgen.New(), listingID, openedBy, now, slaDeadline)
		created, err := scanCase(row)
		if err != nil {
			return nil, false, err
		}
		return created, false, tx.Commit()
	default:
		return nil, false, err
	}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	return scanCase(p.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM dispute_cases WHERE id = $1`, id))
}

func (p *PostgresStore) GetByListingID(ctx context.Context, listingID string) (*Case, error) {
	return scanCase(p.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM dispute_cases WHERE listing_id = $1`, listingID))
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Case, error) {
	query := `SELECT ` + caseColumns + ` FROM dispute_cases WHERE status = $1
		ORDER BY sla_deadline_at LIMIT $2`
	args := []any{status, limit}
	if status == "" {
		query = `SELECT ` + caseColumns + ` FROM dispute_cases
			WHERE status IN ('OPEN', 'IN_REVIEW')
			ORDER BY sla_deadline_at LIMIT $1`
		args = []any{limit}
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetInReview(ctx context.Context, id, adminID string, at time.Time) (*Case, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE dispute_cases SET
			status            = 'IN_REVIEW',
			assigned_admin_id = $2,
			first_response_at = COALESCE(first_response_at, $3),
			updated_at        = NOW()
		WHERE id = $1 AND status IN ('OPEN', 'IN_REVIEW')
		RETURNING `+caseColumns, id, adminID, at)
	c, err := scanCase(row)
	if err == ErrCaseNotFound {
		// Either unknown or already resolved; disambiguate for the caller.
		if _, gerr := p.Get(ctx, id); gerr == nil {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, status Status, adminID, template, note string, at time.Time) (*Case, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE dispute_cases SET
			status              = $2,
			assigned_admin_id   = $3,
			resolution_template = NULLIF($4, ''),
			resolution_note     = NULLIF($5, ''),
			resolved_at         = $6,
			first_response_at   = COALESCE(first_response_at, $6),
			updated_at          = NOW()
		WHERE id = $1 AND status IN ('OPEN', 'IN_REVIEW')
		RETURNING `+caseColumns, id, status, adminID, template, note, at)
	c, err := scanCase(row)
	if err == ErrCaseNotFound {
		if _, gerr := p.Get(ctx, id); gerr == nil {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrCaseNotFound
	}
	return c, err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	var meta []byte
	if e.Meta != nil {
		var err error
		meta, err = json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("marshal event meta: %w", err)
		}
	}
	id := e.ID
	if id == "" {
		id = idgen.New()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_case_events (id, dispute_case_id, actor_user_id, type, note, meta)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, id, e.CaseID, e.ActorUserID, e.Type, e.Note, meta)
	if err != nil {
		return fmt.Errorf("failed to append case event: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, caseID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_case_id, actor_user_id, type, note, meta, created_at
		FROM dispute_case_events
		WHERE dispute_case_id = $1
		ORDER BY created_at
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var note sql.NullString
		var meta []byte
		if err := rows.Scan(&e.ID, &e.CaseID, &e.ActorUserID, &e.Type, &note, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Note = note.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal event meta: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountUnresolved(ctx context.Context, now time.Time) (int, int, error) {
	var open, overdue int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE sla_deadline_at < $1)
		FROM dispute_cases
		WHERE status IN ('OPEN', 'IN_REVIEW')
	`, now).Scan(&open, &overdue)
	if err != nil {
		return 0, 0, err
	}
	return open, overdue, nil
}
