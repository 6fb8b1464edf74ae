package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is an immutable spot fill at a caller-supplied index price.
type Trade struct {
	ID          int64           `db:"id"          json:"id"`
	UserID      int64           `db:"user_id"     json:"user_id"`
	WalletID    int64           `db:"wallet_id"   json:"wallet_id"`
	Symbol      string          `db:"symbol"      json:"symbol"`
	Side        TradeSide       `db:"side"        json:"side"`
	UnitAmount  decimal.Decimal `db:"unit_amount" json:"unit_amount"`
	IndexPrice  decimal.Decimal `db:"index_price" json:"index_price_at_fill"`
	QuoteAmount decimal.Decimal `db:"quote_amount" json:"quote_amount"`
	Fee         decimal.Decimal `db:"fee"         json:"fee"`
	CreatedAt   time.Time       `db:"created_at"  json:"created_at"`
}

// Longest suffixes first so that e.g. ETHUSDT is not read as ETHUS/DT.
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// ParseSymbol splits a pair symbol such as BTCUSDT or BTC/USDT into base and
// quote currencies.
func ParseSymbol(symbol string) (base, quote string, err error) {
	s := NormalizeCurrency(symbol)
	if b, q, ok := strings.Cut(s, "/"); ok {
		if b == "" || q == "" || b == q {
			return "", "", fmt.Errorf("invalid symbol %q", symbol)
		}
		return b, q, nil
	}

	for _, q := range quoteCurrencies {
		if b, ok := strings.CutSuffix(s, q); ok && b != "" && b != q {
			return b, q, nil
		}
	}
	return "", "", fmt.Errorf("invalid symbol %q", symbol)
}
