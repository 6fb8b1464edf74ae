package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/sand/crypto-p2p-exchange/backend/internal/metrics"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases"
)

// LedgerReconciler replays ledger entries against stored wallet balances.
type LedgerReconciler interface {
	ReconcileAll(ctx context.Context) ([]usecases.ReconcileReport, error)
}

// Reconciler periodically checks that every wallet balance equals the replay
// of its ledger entries and exports the number of mismatches.
type Reconciler struct {
	logger     *slog.Logger
	ledger     LedgerReconciler
	interval   time.Duration
	scheduler  gocron.Scheduler
	jobTimeout time.Duration
}

func NewReconciler(logger *slog.Logger, ledger LedgerReconciler, interval time.Duration) (*Reconciler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	return &Reconciler{
		logger:     logger,
		ledger:     ledger,
		interval:   interval,
		scheduler:  scheduler,
		jobTimeout: interval,
	}, nil
}

// Start schedules the reconciliation job, running it once immediately.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			runCtx, cancel := context.WithTimeout(ctx, r.jobTimeout)
			defer cancel()
			r.RunOnce(runCtx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}

	r.logger.Info("Starting ledger reconciler", "interval", r.interval.String())
	r.scheduler.Start()
	return nil
}

func (r *Reconciler) Stop() error {
	return r.scheduler.Shutdown()
}

// RunOnce performs a single reconciliation pass and returns the mismatch count.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	mismatches, err := r.ledger.ReconcileAll(ctx)
	if err != nil {
		r.logger.Error("Ledger reconciliation failed", "error", err)
		return 0
	}

	metrics.ReconciliationMismatches.Set(float64(len(mismatches)))
	for _, m := range mismatches {
		r.logger.Error("Ledger mismatch",
			"wallet_id", m.WalletID,
			"stored_available", m.Available.String(),
			"stored_locked", m.Locked.String(),
			"replayed_available", m.ReplayedAvailable.String(),
			"replayed_locked", m.ReplayedLocked.String())
	}
	if len(mismatches) == 0 {
		r.logger.Debug("Ledger reconciled")
	}
	return len(mismatches)
}
