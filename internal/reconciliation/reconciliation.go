// Package reconciliation sweeps expired reservations and audits the
// wallet ledger for conservation of funds.
//
// Every tracked sweep is recorded as a system job run, so operators can
// tell a scheduler outage apart from a healthy idle system: the question
// "when did the sweep last run" always has a database answer.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tradebay/tradebay/internal/wallet"
)

// JobEscrowSweep is the job name recorded for reservation sweeps.
const JobEscrowSweep = "escrow_reconcile"

var (
	ErrNeverRan        = errors.New("job has never run")
	ErrSweepInProgress = errors.New("sweep already in progress")
)

// RunStatus is the outcome of a job run.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// Run is one recorded execution of a background job.
type Run struct {
	ID         string    `json:"id"`
	JobName    string    `json:"jobName"`
	Status     RunStatus `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Processed  int       `json:"processed"`
	Details    string    `json:"details,omitempty"`
}

// RunStore persists job runs.
type RunStore interface {
	StartRun(ctx context.Context, jobName string, at time.Time) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, processed int, details string, at time.Time) error
	// LastRun returns the newest run of a job, ErrNeverRan if none exists.
	LastRun(ctx context.Context, jobName string) (*Run, error)
	// Stats24h aggregates runs started in the last 24 hours.
	Stats24h(ctx context.Context, jobName string, now time.Time) (runs, failures, processed int, err error)
}

// Sweeper refunds expired reservations. escrow.Service satisfies it.
type Sweeper interface {
	ReleaseExpired(ctx context.Context, batch int) (int, error)
}

// DisputeCounter reports the review queue size. dispute.Service satisfies it.
type DisputeCounter interface {
	Stats(ctx context.Context) (open, overdue int, err error)
}

// Alerter reports failed runs to ops.
type Alerter interface {
	Alert(ctx context.Context, subject, details string)
}

// Service runs tracked reservation sweeps and ledger audits.
type Service struct {
	runs     RunStore
	sweeper  Sweeper
	wallets  wallet.Store
	disputes DisputeCounter
	alerter  Alerter

	batch    int
	maxDelay time.Duration
	now      func() time.Time

	sweeping atomic.Bool
}

// NewService creates a reconciliation service. batch bounds how many
// expired reservations one sweep may refund; maxDelay is how old the last
// run may be before the job counts as stale.
func NewService(runs RunStore, sweeper Sweeper, wallets wallet.Store, batch int, maxDelay time.Duration) *Service {
	if batch < 1 {
		batch = 1
	}
	if batch > 500 {
		batch = 500
	}
	return &Service{
		runs:     runs,
		sweeper:  sweeper,
		wallets:  wallets,
		batch:    batch,
		maxDelay: maxDelay,
		now:      time.Now,
	}
}

// WithAlerter adds an ops alert channel for failed runs.
func (s *Service) WithAlerter(a Alerter) *Service {
	s.alerter = a
	return s
}

// WithDisputes adds dispute queue stats to the finance summary.
func (s *Service) WithDisputes(d DisputeCounter) *Service {
	s.disputes = d
	return s
}

// SweepTracked runs one reservation sweep recorded as a system job run.
// A failed sweep is recorded FAILED and alerted, then the error returns
// to the caller.
//
// Overlapping sweeps are rejected with ErrSweepInProgress: an atomic
// flag guards callers in this process, and the run table guards other
// instances, a fresh RUNNING row means someone else is mid-sweep. A
// RUNNING row older than maxDelay is treated as a crashed run and
// does not block.
func (s *Service) SweepTracked(ctx context.Context) (*Run, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	last, err := s.runs.LastRun(ctx, JobEscrowSweep)
	switch {
	case err == nil:
		if last.Status == RunRunning && s.now().Sub(last.StartedAt) <= s.maxDelay {
			return nil, ErrSweepInProgress
		}
	case errors.Is(err, ErrNeverRan):
	default:
		return nil, fmt.Errorf("check last run: %w", err)
	}

	run, err := s.runs.StartRun(ctx, JobEscrowSweep, s.now())
	if err != nil {
		return nil, fmt.Errorf("start job run: %w", err)
	}

	processed, sweepErr := s.sweeper.ReleaseExpired(ctx, s.batch)

	status, details := RunSuccess, ""
	if sweepErr != nil {
		status = RunFailed
		details = sweepErr.Error()
	}
	finished := s.now()
	if err := s.runs.FinishRun(ctx, run.ID, status, processed, details, finished); err != nil {
		return nil, fmt.Errorf("finish job run: %w", err)
	}
	run.Status = status
	run.Processed = processed
	run.Details = details
	run.FinishedAt = finished

	observeRun(run)

	if sweepErr != nil {
		if s.alerter != nil {
			s.alerter.Alert(ctx, "Escrow sweep failed", sweepErr.Error())
		}
		return run, sweepErr
	}
	return run, nil
}

// Health describes the sweep job's operational state.
type Health struct {
	LastRun      *Run `json:"lastRun,omitempty"`
	Stale        bool `json:"stale"`
	Runs24h      int  `json:"runs24h"`
	Failures24h  int  `json:"failures24h"`
	Processed24h int  `json:"processed24h"`
}

// SweepHealth reports staleness and 24h statistics of the sweep job. A
// job that never ran is stale by definition.
func (s *Service) SweepHealth(ctx context.Context) (*Health, error) {
	h := &Health{Stale: true}

	last, err := s.runs.LastRun(ctx, JobEscrowSweep)
	switch {
	case err == nil:
		h.LastRun = last
		h.Stale = s.now().Sub(last.StartedAt) > s.maxDelay
	case errors.Is(err, ErrNeverRan):
		// stale stays true
	default:
		return nil, err
	}

	runs, failures, processed, err := s.runs.Stats24h(ctx, JobEscrowSweep, s.now())
	if err != nil {
		return nil, err
	}
	h.Runs24h = runs
	h.Failures24h = failures
	h.Processed24h = processed
	return h, nil
}

// FinanceSummary is the conservation-of-funds report.
type FinanceSummary struct {
	TotalBalance int64 `json:"totalBalance"`
	TotalLocked  int64 `json:"totalLocked"`
	TopUpSupply  int64 `json:"topUpSupply"`
	// Drift is (balance+locked) minus the completed top-up supply.
	// Settlements conserve funds, so a drift that changes over time
	// points at a bug or a manual intervention.
	Drift           int64 `json:"drift"`
	OpenDisputes    int   `json:"openDisputes"`
	OverdueDisputes int   `json:"overdueDisputes"`
}

// FinanceSummary totals the wallet ledger and the dispute queue.
func (s *Service) FinanceSummary(ctx context.Context) (*FinanceSummary, error) {
	balance, locked, supply, err := s.wallets.SumBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum balances: %w", err)
	}
	out := &FinanceSummary{
		TotalBalance: balance,
		TotalLocked:  locked,
		TopUpSupply:  supply,
		Drift:        balance + locked - supply,
	}
	if s.disputes != nil {
		open, overdue, err := s.disputes.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("dispute stats: %w", err)
		}
		out.OpenDisputes = open
		out.OverdueDisputes = overdue
	}
	return out, nil
}
