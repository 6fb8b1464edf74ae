package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// BankTransferRecord is evidence that a fiat transfer happened. It never
// moves wallet funds.
type BankTransferRecord struct {
	ID          int64           `db:"id"           json:"id"`
	OrderID     *int64          `db:"order_id"     json:"order_id,omitempty"`
	FromAccount string          `db:"from_account" json:"from_account"`
	ToAccount   string          `db:"to_account"   json:"to_account"`
	Amount      decimal.Decimal `db:"amount"       json:"amount"`
	Currency    string          `db:"currency"     json:"currency"`
	InitiatedBy int64           `db:"initiated_by" json:"initiated_by"`
	RecordedAt  time.Time       `db:"recorded_at"  json:"recorded_at"`
}
