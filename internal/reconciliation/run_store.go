package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tradebay/tradebay/internal/idgen"
)

// MemoryRunStore is an in-memory RunStore for tests and local development.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs []*Run
}

// NewMemoryRunStore creates an empty memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{}
}

func (m *MemoryRunStore) StartRun(ctx context.Context, jobName string, at time.Time) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &Run{
		ID:        idgen.New(),
		JobName:   jobName,
		Status:    RunRunning,
		StartedAt: at,
	}
	m.runs = append(m.runs, r)
	cp := *r
	return &cp, nil
}

func (m *MemoryRunStore) FinishRun(ctx context.Context, id string, status RunStatus, processed int, details string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runs {
		if r.ID == id {
			r.Status = status
			r.Processed = processed
			r.Details = details
			r.FinishedAt = at
			return nil
		}
	}
	return fmt.Errorf("run %s not found", id)
}

func (m *MemoryRunStore) LastRun(ctx context.Context, jobName string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *Run
	for _, r := range m.runs {
		if r.JobName != jobName {
			continue
		}
		if last == nil || r.StartedAt.After(last.StartedAt) {
			last = r
		}
	}
	if last == nil {
		return nil, ErrNeverRan
	}
	cp := *last
	return &cp, nil
}

func (m *MemoryRunStore) Stats24h(ctx context.Context, jobName string, now time.Time) (int, int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-24 * time.Hour)
	runs, failures, processed := 0, 0, 0
	for _, r := range m.runs {
		if r.JobName != jobName || r.StartedAt.Before(cutoff) {
			continue
		}
		runs++
		if r.Status == RunFailed {
			failures++
		}
		processed += r.Processed
	}
	return runs, failures, processed, nil
}

// PostgresRunStore implements RunStore with PostgreSQL.
type PostgresRunStore struct {
	db *sql.DB
}

// NewPostgresRunStore creates a PostgreSQL-backed run store.
func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

func (p *PostgresRunStore) StartRun(ctx context.Context, jobName string, at time.Time) (*Run, error) {
	r := &Run{
		ID:        idgen.New(),
		JobName:   jobName,
		Status:    RunRunning,
		StartedAt: at,
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO system_job_runs (id, job_name, status, started_at)
		VALUES ($1, $2, $3, $4)
	`, r.ID, r.JobName, r.Status, r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to start job run: %w", err)
	}
	return r, nil
}

func (p *PostgresRunStore) FinishRun(ctx context.Context, id string, status RunStatus, processed int, details string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE system_job_runs SET
			status = $2, processed = $3, details = NULLIF($4, ''), finished_at = $5
		WHERE id = $1
	`, id, status, processed, details, at)
	if err != nil {
		return fmt.Errorf("failed to finish job run: %w", err)
	}
	return nil
}

func (p *PostgresRunStore) LastRun(ctx context.Context, jobName string) (*Run, error) {
	r := &Run{}
	var finished sql.NullTime
	var details sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, job_name, status, started_at, finished_at, processed, details
		FROM system_job_runs
		WHERE job_name = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, jobName).Scan(&r.ID, &r.JobName, &r.Status, &r.StartedAt, &finished, &r.Processed, &details)
	if err == sql.ErrNoRows {
		return nil, ErrNeverRan
	}
	if err != nil {
		return nil, err
	}
	r.FinishedAt = finished.Time
	r.Details = details.String
	return r, nil
}

func (p *PostgresRunStore) Stats24h(ctx context.Context, jobName string, now time.Time) (int, int, int, error) {
	var runs, failures, processed int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'FAILED'),
		       COALESCE(SUM(processed), 0)
		FROM system_job_runs
		WHERE job_name = $1 AND started_at >= $2
	`, jobName, now.Add(-24*time.Hour)).Scan(&runs, &failures, &processed)
	if err != nil {
		return 0, 0, 0, err
	}
	return runs, failures, processed, nil
}
