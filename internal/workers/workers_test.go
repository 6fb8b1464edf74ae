package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingExpirer struct {
	calls     atomic.Int32
	olderThan atomic.Int64
}

func (e *countingExpirer) ExpireStaleOrders(_ context.Context, olderThan time.Duration) (int64, error) {
	e.calls.Add(1)
	e.olderThan.Store(int64(olderThan))
	return 2, nil
}

func TestOrderCleanerRunsUntilCancelled(t *testing.T) {
	expirer := &countingExpirer{}
	cleaner := NewOrderCleaner(discardLogger(), expirer, 30*time.Minute, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cleaner.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return expirer.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(30*time.Minute), expirer.olderThan.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("order cleaner did not stop")
	}
}

type stubReconciler struct {
	reports []usecases.ReconcileReport
	err     error
}

func (s stubReconciler) ReconcileAll(context.Context) ([]usecases.ReconcileReport, error) {
	return s.reports, s.err
}

func TestReconcilerExportsMismatches(t *testing.T) {
	broken := usecases.ReconcileReport{
		WalletID:          7,
		Available:         decimal.NewFromInt(10),
		ReplayedAvailable: decimal.NewFromInt(9),
	}
	r, err := NewReconciler(discardLogger(), stubReconciler{reports: []usecases.ReconcileReport{broken}}, time.Minute)
	require.NoError(t, err)

	require.Equal(t, 1, r.RunOnce(context.Background()))

	r.ledger = stubReconciler{}
	require.Zero(t, r.RunOnce(context.Background()))

	r.ledger = stubReconciler{err: errors.New("db down")}
	require.Zero(t, r.RunOnce(context.Background()))
}

func TestReconcilerSchedules(t *testing.T) {
	var calls atomic.Int32
	r, err := NewReconciler(discardLogger(), reconcilerFunc(func() { calls.Add(1) }), 20*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())
}

type reconcilerFunc func()

func (f reconcilerFunc) ReconcileAll(context.Context) ([]usecases.ReconcileReport, error) {
	f()
	return nil, nil
}
