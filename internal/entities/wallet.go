package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WalletType separates spot balances from futures margin balances.
type WalletType string

const (
	WalletTypeSpot   WalletType = "spot"
	WalletTypeFuture WalletType = "future"
)

// ParseWalletType validates a wallet type coming from a request or a row.
func ParseWalletType(s string) (WalletType, error) {
	switch WalletType(strings.ToLower(strings.TrimSpace(s))) {
	case WalletTypeSpot:
		return WalletTypeSpot, nil
	case WalletTypeFuture:
		return WalletTypeFuture, nil
	}
	return "", fmt.Errorf("unknown wallet type %q", s)
}

// Wallet is a per-user, per-currency, per-type balance.
// Both buckets are never negative.
type Wallet struct {
	ID        int64           `db:"id"                json:"id"`
	UserID    int64           `db:"user_id"           json:"user_id"`
	Currency  string          `db:"currency"          json:"currency"`
	Type      WalletType      `db:"wallet_type"       json:"wallet_type"`
	Available decimal.Decimal `db:"available_balance" json:"available_balance"`
	Locked    decimal.Decimal `db:"locked_balance"    json:"locked_balance"`
	CreatedAt time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"        json:"updated_at"`
}

// Total is available plus locked.
func (w Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Locked)
}

// Snapshot returns the balance view handed back by ledger primitives.
func (w Wallet) Snapshot() BalanceSnapshot {
	return BalanceSnapshot{
		WalletID:  w.ID,
		UserID:    w.UserID,
		Currency:  w.Currency,
		Type:      w.Type,
		Available: w.Available,
		Locked:    w.Locked,
	}
}

// BalanceSnapshot is the state of a wallet right after a posting committed.
type BalanceSnapshot struct {
	WalletID  int64           `json:"wallet_id"`
	UserID    int64           `json:"user_id"`
	Currency  string          `json:"currency"`
	Type      WalletType      `json:"wallet_type"`
	Available decimal.Decimal `json:"available_balance"`
	Locked    decimal.Decimal `json:"locked_balance"`
}

// NormalizeCurrency upper-cases and trims an asset ticker.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
