package entities

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseOrderStateSynonyms(t *testing.T) {
	cases := map[string]OrderState{
		"open":      OrderStateOpen,
		"Pending":   OrderStateOpen,
		"matched":   OrderStateBanked,
		" FILLED ":  OrderStateCompleted,
		"completed": OrderStateCompleted,
		"canceled":  OrderStateCancelled,
		"cancelled": OrderStateCancelled,
	}
	for in, want := range cases {
		got, err := ParseOrderState(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseOrderState("disputed")
	require.Error(t, err)
}

func TestOrderStateTransitions(t *testing.T) {
	require.True(t, OrderStateOpen.CanTransition(OrderStateBanked))
	require.True(t, OrderStateOpen.CanTransition(OrderStateCancelled))
	require.True(t, OrderStateBanked.CanTransition(OrderStateCompleted))

	require.False(t, OrderStateOpen.CanTransition(OrderStateCompleted))
	require.False(t, OrderStateBanked.CanTransition(OrderStateCancelled))
	for _, terminal := range []OrderState{OrderStateCompleted, OrderStateCancelled} {
		require.True(t, terminal.IsTerminal())
		for _, to := range []OrderState{OrderStateOpen, OrderStateBanked, OrderStateCompleted, OrderStateCancelled} {
			require.False(t, terminal.CanTransition(to), "%s -> %s", terminal, to)
		}
	}
}

func TestOrderParties(t *testing.T) {
	buy := P2POrder{Type: OrderTypeBuy, TakerID: 1, MerchantID: 2}
	require.EqualValues(t, 2, buy.EscrowOwner())
	require.EqualValues(t, 2, buy.Confirmer())
	require.EqualValues(t, 1, buy.Beneficiary())
	require.EqualValues(t, 1, buy.Payer())

	sell := P2POrder{Type: OrderTypeSell, TakerID: 1, MerchantID: 2}
	require.EqualValues(t, 1, sell.EscrowOwner())
	require.EqualValues(t, 2, sell.Beneficiary())

	require.True(t, sell.IsParty(2))
	require.False(t, sell.IsParty(3))
}

func TestParseSymbol(t *testing.T) {
	cases := []struct {
		in, base, quote string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ethusdc", "ETH", "USDC"},
		{"sol/eth", "SOL", "ETH"},
		{"ETHBTC", "ETH", "BTC"},
	}
	for _, c := range cases {
		base, quote, err := ParseSymbol(c.in)
		require.NoError(t, err, c.in)
		require.Equal(t, c.base, base, c.in)
		require.Equal(t, c.quote, quote, c.in)
	}

	for _, bad := range []string{"", "USDT", "BTC/", "BTC/BTC", "DOGE"} {
		_, _, err := ParseSymbol(bad)
		require.Error(t, err, bad)
	}
}

func TestPositionPnL(t *testing.T) {
	long := FuturePosition{
		Side:       PositionSideLong,
		Margin:     decimal.NewFromInt(50),
		EntryPrice: decimal.NewFromInt(45000),
		Leverage:   decimal.NewFromInt(10),
	}
	require.True(t, long.Notional().Equal(decimal.NewFromInt(500)))
	require.Equal(t, "11.11111111", long.PnLAt(decimal.NewFromInt(46000)).String())
	require.Equal(t, "-11.11111111", long.PnLAt(decimal.NewFromInt(44000)).String())
	require.True(t, long.PnLAt(decimal.NewFromInt(45000)).IsZero())

	short := long
	short.Side = PositionSideShort
	require.Equal(t, "11.11111111", short.PnLAt(decimal.NewFromInt(44000)).String())
	require.True(t, short.PnLAt(decimal.NewFromInt(90000)).Equal(decimal.NewFromInt(-50)), "loss floored at margin")
}

func TestWalletHelpers(t *testing.T) {
	w := Wallet{ID: 3, UserID: 9, Currency: "USDT", Type: WalletTypeFuture,
		Available: decimal.RequireFromString("10.5"), Locked: decimal.RequireFromString("2")}
	require.Equal(t, "12.5", w.Total().String())

	s := w.Snapshot()
	require.EqualValues(t, 3, s.WalletID)
	require.Equal(t, WalletTypeFuture, s.Type)

	typ, err := ParseWalletType(" Spot ")
	require.NoError(t, err)
	require.Equal(t, WalletTypeSpot, typ)
	_, err = ParseWalletType("margin")
	require.Error(t, err)

	require.Equal(t, "BTC", NormalizeCurrency(" btc "))
}
