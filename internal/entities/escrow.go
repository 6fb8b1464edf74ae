package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// Escrow tracks crypto locked against a single P2P order.
type Escrow struct {
	OrderID   int64           `db:"order_id"   json:"order_id"`
	WalletID  int64           `db:"wallet_id"  json:"wallet_id"`
	Amount    decimal.Decimal `db:"amount"     json:"amount"`
	Status    EscrowStatus    `db:"status"     json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}
