package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradebay/tradebay/internal/wallet"
)

type fakeSweeper struct {
	processed int
	err       error
	calls     int
}

func (f *fakeSweeper) ReleaseExpired(_ context.Context, batch int) (int, error) {
	f.calls++
	if f.processed > batch {
		return batch, f.err
	}
	return f.processed, f.err
}

type fakeAlerter struct {
	subjects []string
}

func (f *fakeAlerter) Alert(_ context.Context, subject, _ string) {
	f.subjects = append(f.subjects, subject)
}

type fakeDisputes struct {
	open, overdue int
}

func (f *fakeDisputes) Stats(context.Context) (int, int, error) {
	return f.open, f.overdue, nil
}

func TestSweepTracked_RecordsSuccess(t *testing.T) {
	store := NewMemoryRunStore()
	sweeper := &fakeSweeper{processed: 3}
	svc := NewService(store, sweeper, wallet.NewMemoryStore(), 100, 20*time.Minute)

	run, err := svc.SweepTracked(context.Background())
	if err != nil {
		t.Fatalf("SweepTracked: %v", err)
	}
	if run.Status != RunSuccess || run.Processed != 3 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.FinishedAt.IsZero() {
		t.Fatal("run must be finished")
	}

	last, err := store.LastRun(context.Background(), JobEscrowSweep)
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if last.ID != run.ID || last.Status != RunSuccess {
		t.Fatalf("recorded run mismatch: %+v", last)
	}
}

func TestSweepTracked_FailureRecordedAndAlerted(t *testing.T) {
	store := NewMemoryRunStore()
	sweeper := &fakeSweeper{processed: 1, err: errors.New("db down")}
	alerter := &fakeAlerter{}
	svc := NewService(store, sweeper, wallet.NewMemoryStore(), 100, 20*time.Minute).WithAlerter(alerter)

	run, err := svc.SweepTracked(context.Background())
	if err == nil {
		t.Fatal("expected sweep error")
	}
	if run.Status != RunFailed || run.Details != "db down" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(alerter.subjects) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerter.subjects))
	}

	// A failed run still counts toward 24h stats.
	runs, failures, _, err := store.Stats24h(context.Background(), JobEscrowSweep, time.Now())
	if err != nil {
		t.Fatalf("Stats24h: %v", err)
	}
	if runs != 1 || failures != 1 {
		t.Fatalf("stats: runs=%d failures=%d", runs, failures)
	}
}

func TestSweepTracked_BatchClamped(t *testing.T) {
	store := NewMemoryRunStore()
	sweeper := &fakeSweeper{processed: 1000}
	svc := NewService(store, sweeper, wallet.NewMemoryStore(), 9999, 20*time.Minute)

	run, err := svc.SweepTracked(context.Background())
	if err != nil {
		t.Fatalf("SweepTracked: %v", err)
	}
	if run.Processed != 500 {
		t.Fatalf("batch not clamped to 500: processed=%d", run.Processed)
	}
}

type blockingSweeper struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSweeper) ReleaseExpired(context.Context, int) (int, error) {
	b.entered <- struct{}{}
	<-b.release
	return 0, nil
}

func TestSweepTracked_RejectsOverlappingSweep(t *testing.T) {
	store := NewMemoryRunStore()
	sweeper := &blockingSweeper{entered: make(chan struct{}, 2), release: make(chan struct{})}
	svc := NewService(store, sweeper, wallet.NewMemoryStore(), 100, 20*time.Minute)

	errs := make(chan error, 1)
	go func() {
		_, err := svc.SweepTracked(context.Background())
		errs <- err
	}()
	<-sweeper.entered // first sweep is mid-flight

	if _, err := svc.SweepTracked(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("overlapping sweep: got %v, want ErrSweepInProgress", err)
	}
	if len(sweeper.entered) != 0 {
		t.Fatal("second sweep must not reach the sweeper")
	}

	close(sweeper.release)
	if err := <-errs; err != nil {
		t.Fatalf("first sweep: %v", err)
	}

	// Once the first sweep finished, the next one goes through.
	if _, err := svc.SweepTracked(context.Background()); err != nil {
		t.Fatalf("sweep after completion: %v", err)
	}
}

func TestSweepTracked_FreshRunningRowBlocks(t *testing.T) {
	store := NewMemoryRunStore()
	svc := NewService(store, &fakeSweeper{processed: 1}, wallet.NewMemoryStore(), 100, 20*time.Minute)

	// Another instance recorded a run that is still going.
	if _, err := store.StartRun(context.Background(), JobEscrowSweep, time.Now()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if _, err := svc.SweepTracked(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("got %v, want ErrSweepInProgress", err)
	}
}

func TestSweepTracked_StaleRunningRowIgnored(t *testing.T) {
	store := NewMemoryRunStore()
	svc := NewService(store, &fakeSweeper{processed: 1}, wallet.NewMemoryStore(), 100, 20*time.Minute)

	// A RUNNING row from a crashed instance must not wedge the job.
	if _, err := store.StartRun(context.Background(), JobEscrowSweep, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	run, err := svc.SweepTracked(context.Background())
	if err != nil {
		t.Fatalf("SweepTracked: %v", err)
	}
	if run.Status != RunSuccess {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestSweepHealth_NeverRanIsStale(t *testing.T) {
	svc := NewService(NewMemoryRunStore(), &fakeSweeper{}, wallet.NewMemoryStore(), 100, 20*time.Minute)

	h, err := svc.SweepHealth(context.Background())
	if err != nil {
		t.Fatalf("SweepHealth: %v", err)
	}
	if !h.Stale || h.LastRun != nil {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestSweepHealth_Staleness(t *testing.T) {
	store := NewMemoryRunStore()
	svc := NewService(store, &fakeSweeper{processed: 2}, wallet.NewMemoryStore(), 100, 20*time.Minute)

	if _, err := svc.SweepTracked(context.Background()); err != nil {
		t.Fatalf("SweepTracked: %v", err)
	}

	h, err := svc.SweepHealth(context.Background())
	if err != nil {
		t.Fatalf("SweepHealth: %v", err)
	}
	if h.Stale {
		t.Fatal("fresh run must not be stale")
	}
	if h.Runs24h != 1 || h.Processed24h != 2 {
		t.Fatalf("unexpected stats: %+v", h)
	}

	svc.now = func() time.Time { return time.Now().Add(45 * time.Minute) }
	h, err = svc.SweepHealth(context.Background())
	if err != nil {
		t.Fatalf("SweepHealth: %v", err)
	}
	if !h.Stale {
		t.Fatal("run older than maxDelay must be stale")
	}
}

func TestFinanceSummary_Conservation(t *testing.T) {
	wallets := wallet.NewMemoryStore()
	ctx := context.Background()

	// Mint 500 through a completed top-up, then lock 200 of it.
	w, err := wallets.GetOrCreate(ctx, "u1", wallet.AccountUser)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	tx, _, err := wallets.CreateTransactionOnce(ctx, &wallet.Transaction{
		WalletID:   w.ID,
		Type:       wallet.TxTopUp,
		Status:     wallet.StatusPending,
		Amount:     500,
		ExternalID: "topup:" + w.ID + ":key-1",
	})
	if err != nil {
		t.Fatalf("CreateTransactionOnce: %v", err)
	}
	if _, err := wallets.CompleteTopUp(ctx, tx.ID, "provider-1"); err != nil {
		t.Fatalf("CompleteTopUp: %v", err)
	}
	if err := wallets.AdjustBalances(ctx, w.ID, wallet.BalanceDelta{Balance: -200, Locked: 200}); err != nil {
		t.Fatalf("AdjustBalances: %v", err)
	}

	svc := NewService(NewMemoryRunStore(), &fakeSweeper{}, wallets, 100, 20*time.Minute).
		WithDisputes(&fakeDisputes{open: 2, overdue: 1})

	sum, err := svc.FinanceSummary(ctx)
	if err != nil {
		t.Fatalf("FinanceSummary: %v", err)
	}
	if sum.TotalBalance != 300 || sum.TotalLocked != 200 || sum.TopUpSupply != 500 {
		t.Fatalf("unexpected totals: %+v", sum)
	}
	if sum.Drift != 0 {
		t.Fatalf("drift must be zero: %+v", sum)
	}
	if sum.OpenDisputes != 2 || sum.OverdueDisputes != 1 {
		t.Fatalf("dispute stats: %+v", sum)
	}
}
