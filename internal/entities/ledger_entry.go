package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryKindDeposit     EntryKind = "deposit"
	EntryKindWithdraw    EntryKind = "withdraw"
	EntryKindLock        EntryKind = "lock"
	EntryKindUnlock      EntryKind = "unlock"
	EntryKindTransferIn  EntryKind = "transfer_in"
	EntryKindTransferOut EntryKind = "transfer_out"
	EntryKindTradeFill   EntryKind = "trade_fill"
	EntryKindFee         EntryKind = "fee"
)

// LedgerScale is the number of decimal places every stored amount carries.
const LedgerScale = 18

// FitsScale reports whether d has no significant digits beyond places.
func FitsScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// LedgerEntry is an immutable record of one balance change on one wallet.
// Replaying every entry of a wallet reproduces both of its buckets.
type LedgerEntry struct {
	ID             int64           `db:"id"              json:"id"`
	WalletID       int64           `db:"wallet_id"       json:"wallet_id"`
	PostingID      uuid.UUID       `db:"posting_id"      json:"posting_id"`
	Kind           EntryKind       `db:"kind"            json:"kind"`
	AvailableDelta decimal.Decimal `db:"available_delta" json:"available_delta"`
	LockedDelta    decimal.Decimal `db:"locked_delta"    json:"locked_delta"`
	AvailableAfter decimal.Decimal `db:"available_after" json:"available_after"`
	LockedAfter    decimal.Decimal `db:"locked_after"    json:"locked_after"`
	Reference      string          `db:"reference"       json:"reference"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
}

// Delta is the net change of the wallet total.
func (e LedgerEntry) Delta() decimal.Decimal {
	return e.AvailableDelta.Add(e.LockedDelta)
}

// ResultingBalance is the wallet total right after this entry.
func (e LedgerEntry) ResultingBalance() decimal.Decimal {
	return e.AvailableAfter.Add(e.LockedAfter)
}

func OrderReference(orderID int64) string {
	return fmt.Sprintf("p2p_order:%d", orderID)
}

func TradeReference(tradeID int64) string {
	return fmt.Sprintf("trade:%d", tradeID)
}

func PositionReference(positionID int64) string {
	return fmt.Sprintf("future_position:%d", positionID)
}
