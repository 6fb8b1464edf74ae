package usecases

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases/repository/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) NotifyOrder(event string, _ entities.P2POrder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type testEnv struct {
	store   *memory.Store
	ledger  *LedgerService
	escrow  *EscrowService
	banking *BankTransferService
	p2p     *P2PService
	trading *TradingService
	events  *recordingNotifier
}

func newTestEnv(t *testing.T, opts ...memory.Option) *testEnv {
	t.Helper()
	return newTestEnvWithTrading(t, TradingOptions{
		FeeRate:     decimal.Zero,
		MaxLeverage: decimal.NewFromInt(100),
	}, opts...)
}

func newTestEnvWithTrading(t *testing.T, trading TradingOptions, opts ...memory.Option) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore(opts...)
	events := &recordingNotifier{}

	ledger := NewLedgerService(logger, store, store, store)
	escrow := NewEscrowService(logger, store, store, ledger)
	banking := NewBankTransferService(logger, store)

	return &testEnv{
		store:   store,
		ledger:  ledger,
		escrow:  escrow,
		banking: banking,
		p2p:     NewP2PService(logger, store, store, escrow, ledger, banking, events),
		trading: NewTradingService(logger, store, ledger, store, store, trading),
		events:  events,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

// fund deposits amount into the user's wallet and returns its id.
func (e *testEnv) fund(t *testing.T, userID int64, currency string, walletType entities.WalletType, amount string) int64 {
	t.Helper()
	snapshot, err := e.ledger.Deposit(context.Background(), userID, currency, walletType, dec(amount))
	require.NoError(t, err)
	return snapshot.WalletID
}

func (e *testEnv) wallet(t *testing.T, userID int64, currency string, walletType entities.WalletType) *entities.Wallet {
	t.Helper()
	w, err := e.store.EnsureWallet(context.Background(), userID, currency, walletType)
	require.NoError(t, err)
	return w
}

func (e *testEnv) requireBalance(t *testing.T, walletID int64, available, locked string) {
	t.Helper()
	w, err := e.ledger.GetWallet(context.Background(), walletID)
	require.NoError(t, err)
	requireDecimal(t, available, w.Available, "available of wallet", walletID)
	requireDecimal(t, locked, w.Locked, "locked of wallet", walletID)
}

// requireLedgerConsistent checks that every wallet is non-negative and equal
// to the replay of its entries.
func (e *testEnv) requireLedgerConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	wallets, err := e.store.FindAllWallets(ctx)
	require.NoError(t, err)
	for _, w := range wallets {
		require.False(t, w.Available.IsNegative(), "wallet %d available", w.ID)
		require.False(t, w.Locked.IsNegative(), "wallet %d locked", w.ID)
	}

	mismatches, err := e.ledger.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}
