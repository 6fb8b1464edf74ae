package usecases

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases/repository/memory"
)

const (
	taker    int64 = 1
	merchant int64 = 2
	stranger int64 = 3
)

func buyOrder() CreateOrderInput {
	return CreateOrderInput{
		TakerID:      taker,
		MerchantID:   merchant,
		Type:         entities.OrderTypeBuy,
		Asset:        "USDT",
		FiatCurrency: "VND",
		FiatAmount:   dec("2450000"),
		CryptoAmount: dec("100"),
		UnitPrice:    dec("24500"),
	}
}

var evidence = PaymentEvidence{FromAccount: "VCB-0001", ToAccount: "TCB-0002"}

func TestP2PBuyOrderSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	merchantWallet := env.fund(t, merchant, "USDT", entities.WalletTypeSpot, "100")

	order, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)
	require.Equal(t, entities.OrderStateOpen, order.State)
	env.requireBalance(t, merchantWallet, "0", "100")

	order, err = env.p2p.TransferPayment(ctx, order.ID, taker, evidence)
	require.NoError(t, err)
	require.Equal(t, entities.OrderStateBanked, order.State)
	env.requireBalance(t, merchantWallet, "0", "100")

	transfers, err := env.banking.ByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	requireDecimal(t, "2450000", transfers[0].Amount)
	require.Equal(t, "VND", transfers[0].Currency)
	require.Equal(t, taker, transfers[0].InitiatedBy)

	order, err = env.p2p.ConfirmAndRelease(ctx, order.ID, merchant)
	require.NoError(t, err)
	require.Equal(t, entities.OrderStateCompleted, order.State)

	takerWallet := env.wallet(t, taker, "USDT", entities.WalletTypeSpot)
	env.requireBalance(t, takerWallet.ID, "100", "0")
	env.requireBalance(t, merchantWallet, "0", "0")

	escrow, err := env.escrow.GetEscrow(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, entities.EscrowStatusReleased, escrow.Status)

	require.Equal(t, []string{OrderEventCreated, OrderEventBanked, OrderEventCompleted}, env.events.Events())
	env.requireLedgerConsistent(t)
}

func TestP2PConfirmIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, merchant, "USDT", entities.WalletTypeSpot, "100")

	order, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)
	_, err = env.p2p.TransferPayment(ctx, order.ID, taker, evidence)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			confirmed, err := env.p2p.ConfirmAndRelease(ctx, order.ID, merchant)
			if err == nil && confirmed.State != entities.OrderStateCompleted {
				err = ports.ErrInvalidState
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	again, err := env.p2p.ConfirmAndRelease(ctx, order.ID, merchant)
	require.NoError(t, err)
	require.Equal(t, entities.OrderStateCompleted, again.State)

	takerWallet := env.wallet(t, taker, "USDT", entities.WalletTypeSpot)
	env.requireBalance(t, takerWallet.ID, "100", "0")

	entries, err := env.ledger.WalletEntries(ctx, taker, takerWallet.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1, "counterparty credited exactly once")

	events := env.events.Events()
	require.Equal(t, OrderEventCompleted, events[len(events)-1])
	require.Len(t, events, 3)
	env.requireLedgerConsistent(t)
}

func TestP2PSellOrderSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	takerWallet := env.fund(t, taker, "BTC", entities.WalletTypeSpot, "0.5")

	order, err := env.p2p.Create(ctx, CreateOrderInput{
		TakerID:      taker,
		MerchantID:   merchant,
		Type:         entities.OrderTypeSell,
		Asset:        "btc",
		FiatCurrency: "vnd",
		CryptoAmount: dec("0.5"),
		UnitPrice:    dec("1600000000"),
	})
	require.NoError(t, err)
	require.Equal(t, "BTC", order.Asset)
	require.Equal(t, "VND", order.FiatCurrency)
	requireDecimal(t, "800000000", order.FiatAmount, "fiat derived from price")
	env.requireBalance(t, takerWallet, "0", "0.5")

	_, err = env.p2p.TransferPayment(ctx, order.ID, taker, evidence)
	require.ErrorIs(t, err, ports.ErrInvalidTransition, "buy-side payment step on a sell order")

	_, err = env.p2p.MerchantTransferPayment(ctx, order.ID, taker, evidence)
	require.ErrorIs(t, err, ports.ErrUnauthorized)

	order, err = env.p2p.MerchantTransferPayment(ctx, order.ID, merchant, evidence)
	require.NoError(t, err)
	require.Equal(t, entities.OrderStateBanked, order.State)

	_, err = env.p2p.ConfirmAndRelease(ctx, order.ID, merchant)
	require.ErrorIs(t, err, ports.ErrUnauthorized)

	order, err = env.p2p.ConfirmAndRelease(ctx, order.ID, taker)
	require.NoError(t, err)
	require.Equal(t, entities.OrderStateCompleted, order.State)

	merchantWallet := env.wallet(t, merchant, "BTC", entities.WalletTypeSpot)
	env.requireBalance(t, merchantWallet.ID, "0.5", "0")
	env.requireBalance(t, takerWallet, "0", "0")
	env.requireLedgerConsistent(t)
}

func TestP2PCancelReleasesEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	merchantWallet := env.fund(t, merchant, "USDT", entities.WalletTypeSpot, "100")

	order, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)

	_, err = env.p2p.Cancel(ctx, order.ID, stranger)
	require.ErrorIs(t, err, ports.ErrUnauthorized)

	order, err = env.p2p.Cancel(ctx, order.ID, taker)
	require.NoError(t, err)
	require.Equal(t, entities.OrderStateCancelled, order.State)
	env.requireBalance(t, merchantWallet, "100", "0")

	_, err = env.p2p.TransferPayment(ctx, order.ID, taker, evidence)
	require.ErrorIs(t, err, ports.ErrInvalidTransition)
	_, err = env.p2p.ConfirmAndRelease(ctx, order.ID, merchant)
	require.ErrorIs(t, err, ports.ErrInvalidTransition)
	_, err = env.p2p.Cancel(ctx, order.ID, merchant)
	require.ErrorIs(t, err, ports.ErrInvalidTransition)

	stored, err := env.p2p.GetOrder(ctx, order.ID, merchant)
	require.NoError(t, err)
	require.Equal(t, entities.OrderStateCancelled, stored.State)
	env.requireBalance(t, merchantWallet, "100", "0")
	env.requireLedgerConsistent(t)
}

func TestP2PCancelAfterBankedIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	merchantWallet := env.fund(t, merchant, "USDT", entities.WalletTypeSpot, "100")

	order, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)
	_, err = env.p2p.TransferPayment(ctx, order.ID, taker, evidence)
	require.NoError(t, err)

	_, err = env.p2p.Cancel(ctx, order.ID, merchant)
	require.ErrorIs(t, err, ports.ErrInvalidTransition)
	_, err = env.p2p.TransferPayment(ctx, order.ID, taker, evidence)
	require.ErrorIs(t, err, ports.ErrInvalidTransition)
	env.requireBalance(t, merchantWallet, "0", "100")
}

func TestP2PConfirmRequiresBanked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, merchant, "USDT", entities.WalletTypeSpot, "100")

	order, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)

	_, err = env.p2p.ConfirmAndRelease(ctx, order.ID, merchant)
	require.ErrorIs(t, err, ports.ErrInvalidTransition)
	_, err = env.p2p.ConfirmAndRelease(ctx, order.ID, taker)
	require.ErrorIs(t, err, ports.ErrUnauthorized)
	_, err = env.p2p.ConfirmAndRelease(ctx, 404, merchant)
	require.ErrorIs(t, err, ports.ErrOrderNotFound)
}

func TestP2PCreateRollsBackOnInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	merchantWallet := env.fund(t, merchant, "USDT", entities.WalletTypeSpot, "50")

	_, err := env.p2p.Create(ctx, buyOrder())
	require.ErrorIs(t, err, ports.ErrInsufficientFunds)

	orders, err := env.p2p.ListUserOrders(ctx, taker, nil)
	require.NoError(t, err)
	require.Empty(t, orders)
	_, err = env.escrow.GetEscrow(ctx, 1)
	require.ErrorIs(t, err, ports.ErrEscrowNotFound)
	env.requireBalance(t, merchantWallet, "50", "0")
	require.Empty(t, env.events.Events())
}

func TestP2PCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	self := buyOrder()
	self.MerchantID = taker
	_, err := env.p2p.Create(ctx, self)
	require.ErrorIs(t, err, ports.ErrInvalidInput)

	noType := buyOrder()
	noType.Type = "swap"
	_, err = env.p2p.Create(ctx, noType)
	require.ErrorIs(t, err, ports.ErrInvalidInput)

	zero := buyOrder()
	zero.CryptoAmount = dec("0")
	_, err = env.p2p.Create(ctx, zero)
	require.ErrorIs(t, err, ports.ErrInvalidAmount)

	noAsset := buyOrder()
	noAsset.Asset = " "
	_, err = env.p2p.Create(ctx, noAsset)
	require.ErrorIs(t, err, ports.ErrInvalidInput)
}

func TestP2PUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, merchant, "USDT", entities.WalletTypeSpot, "100")

	order, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)

	order, err = env.p2p.Update(ctx, order.ID, merchant, UpdateOrderInput{UnitPrice: dec("25000")})
	require.NoError(t, err)
	requireDecimal(t, "25000", order.UnitPrice)
	requireDecimal(t, "2500000", order.FiatAmount)

	order, err = env.p2p.Update(ctx, order.ID, taker, UpdateOrderInput{FiatAmount: dec("2499000")})
	require.NoError(t, err)
	requireDecimal(t, "2499000", order.FiatAmount)

	_, err = env.p2p.Update(ctx, order.ID, stranger, UpdateOrderInput{FiatAmount: dec("1")})
	require.ErrorIs(t, err, ports.ErrUnauthorized)
	_, err = env.p2p.Update(ctx, order.ID, taker, UpdateOrderInput{})
	require.ErrorIs(t, err, ports.ErrInvalidAmount)

	_, err = env.p2p.TransferPayment(ctx, order.ID, taker, evidence)
	require.NoError(t, err)
	_, err = env.p2p.Update(ctx, order.ID, taker, UpdateOrderInput{UnitPrice: dec("1")})
	require.ErrorIs(t, err, ports.ErrInvalidTransition)

	transfers, err := env.banking.ByAccount(ctx, "TCB-0002")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	requireDecimal(t, "2499000", transfers[0].Amount)
}

func TestP2PListAndGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, merchant, "USDT", entities.WalletTypeSpot, "300")

	first, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)
	second, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)
	_, err = env.p2p.Cancel(ctx, first.ID, merchant)
	require.NoError(t, err)

	all, err := env.p2p.ListUserOrders(ctx, merchant, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, second.ID, all[0].ID)

	open, err := env.p2p.ListUserOrders(ctx, taker, []entities.OrderState{entities.OrderStateOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, second.ID, open[0].ID)

	none, err := env.p2p.ListUserOrders(ctx, stranger, nil)
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = env.p2p.GetOrder(ctx, second.ID, stranger)
	require.ErrorIs(t, err, ports.ErrUnauthorized)
}

func TestP2PExpireStaleOrders(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	env := newTestEnv(t, memory.WithClock(func() time.Time { return past }))
	ctx := context.Background()
	merchantWallet := env.fund(t, merchant, "USDT", entities.WalletTypeSpot, "200")

	stale, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)
	banked, err := env.p2p.Create(ctx, buyOrder())
	require.NoError(t, err)
	_, err = env.p2p.TransferPayment(ctx, banked.ID, taker, evidence)
	require.NoError(t, err)

	expired, err := env.p2p.ExpireStaleOrders(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, expired)

	order, err := env.p2p.GetOrder(ctx, stale.ID, taker)
	require.NoError(t, err)
	require.Equal(t, entities.OrderStateCancelled, order.State)
	env.requireBalance(t, merchantWallet, "100", "100")
	require.Contains(t, env.events.Events(), OrderEventExpired)

	expired, err = env.p2p.ExpireStaleOrders(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Zero(t, expired)
	env.requireLedgerConsistent(t)
}
