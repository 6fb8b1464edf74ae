package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
)

var errBoom = errors.New("boom")

func newWallet(t *testing.T, s *Store, userID int64) *entities.Wallet {
	t.Helper()
	w, err := s.EnsureWallet(context.Background(), userID, "USDT", entities.WalletTypeSpot)
	require.NoError(t, err)
	return w
}

func setAvailable(ctx context.Context, s *Store, id int64, amount int64) error {
	wallets, err := s.LockWallets(ctx, []int64{id})
	if err != nil {
		return err
	}
	w := wallets[id]
	w.Available = decimal.NewFromInt(amount)
	return s.UpdateBalances(ctx, w)
}

func TestLockOutsideTransaction(t *testing.T) {
	s := NewStore()
	w := newWallet(t, s, 1)

	_, err := s.LockWallets(context.Background(), []int64{w.ID})
	require.Error(t, err)

	w.Available = decimal.NewFromInt(5)
	require.Error(t, s.UpdateBalances(context.Background(), w), "writes require the row lock")
}

func TestRollbackRestoresWrites(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	w := newWallet(t, s, 1)

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := setAvailable(ctx, s, w.ID, 50); err != nil {
			return err
		}
		if _, err := s.InsertEntries(ctx, []entities.LedgerEntry{{WalletID: w.ID, AvailableDelta: decimal.NewFromInt(50)}}); err != nil {
			return err
		}
		order := &entities.P2POrder{TakerID: 1, MerchantID: 2}
		if err := s.InsertOrder(ctx, order); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	got, err := s.FindWallet(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, got.Available.IsZero())

	entries, err := s.FindWalletEntries(ctx, w.ID, 0)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = s.FindOrder(ctx, 1)
	require.ErrorIs(t, err, ports.ErrOrderNotFound)
}

func TestNestedTransactionIsSavepoint(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	w := newWallet(t, s, 1)

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := setAvailable(ctx, s, w.ID, 10); err != nil {
			return err
		}
		inner := s.WithinTransaction(ctx, func(ctx context.Context) error {
			if err := setAvailable(ctx, s, w.ID, 99); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, inner, errBoom)
		return nil
	})
	require.NoError(t, err)

	got, err := s.FindWallet(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, got.Available.Equal(decimal.NewFromInt(10)))
}

func TestPanicReleasesLocks(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	w := newWallet(t, s, 1)

	require.Panics(t, func() {
		_ = s.WithinTransaction(ctx, func(ctx context.Context) error {
			if err := setAvailable(ctx, s, w.ID, 7); err != nil {
				return err
			}
			panic("unexpected")
		})
	})

	done := make(chan error, 1)
	go func() {
		done <- s.WithinTransaction(ctx, func(ctx context.Context) error {
			return setAvailable(ctx, s, w.ID, 3)
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wallet lock was not released after panic")
	}

	got, err := s.FindWallet(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, got.Available.Equal(decimal.NewFromInt(3)))
}

func TestRowLockSerializesTransactions(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	w := newWallet(t, s, 1)

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithinTransaction(ctx, func(ctx context.Context) error {
			if _, err := s.LockWallets(ctx, []int64{w.ID}); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	acquired := make(chan struct{})
	go func() {
		_ = s.WithinTransaction(ctx, func(ctx context.Context) error {
			_, err := s.LockWallets(ctx, []int64{w.ID, w.ID})
			close(acquired)
			return err
		})
	}()

	select {
	case <-acquired:
		t.Fatal("second transaction acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not handed over")
	}
}

func TestEscrowUniquePerOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.InsertEscrow(ctx, &entities.Escrow{OrderID: 1, WalletID: 1, Status: entities.EscrowStatusHeld}); err != nil {
			return err
		}
		return s.InsertEscrow(ctx, &entities.Escrow{OrderID: 1, WalletID: 2, Status: entities.EscrowStatusHeld})
	})
	require.ErrorIs(t, err, ports.ErrAlreadyEscrowed)

	_, err = s.FindEscrow(ctx, 1)
	require.ErrorIs(t, err, ports.ErrEscrowNotFound, "the whole transaction rolled back")
}

func TestLockWalletsMissing(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	w := newWallet(t, s, 1)

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := s.LockWallets(ctx, []int64{w.ID, 404})
		return err
	})
	require.ErrorIs(t, err, ports.ErrWalletNotFound)
}

func TestStaleOrdersUseClock(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	s := NewStore(WithClock(func() time.Time { return past }))
	ctx := context.Background()

	require.NoError(t, s.InsertOrder(ctx, &entities.P2POrder{TakerID: 1, MerchantID: 2, State: entities.OrderStateOpen}))
	require.NoError(t, s.InsertOrder(ctx, &entities.P2POrder{TakerID: 1, MerchantID: 2, State: entities.OrderStateBanked}))

	ids, err := s.FindStaleOrders(ctx, entities.OrderStateOpen, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)

	ids, err = s.FindStaleOrders(ctx, entities.OrderStateOpen, past)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestWalletEntriesNewestFirst(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	w := newWallet(t, s, 1)
	other := newWallet(t, s, 2)

	_, err := s.InsertEntries(ctx, []entities.LedgerEntry{
		{WalletID: w.ID, Reference: "a"},
		{WalletID: other.ID, Reference: "x"},
		{WalletID: w.ID, Reference: "b"},
		{WalletID: w.ID, Reference: "c"},
	})
	require.NoError(t, err)

	entries, err := s.FindWalletEntries(ctx, w.ID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "c", entries[0].Reference)
	require.Equal(t, "b", entries[1].Reference)

	entries, err = s.FindWalletEntries(ctx, w.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}
