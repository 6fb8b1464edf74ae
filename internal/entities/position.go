package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

func ParsePositionSide(s string) (PositionSide, error) {
	switch PositionSide(strings.ToLower(strings.TrimSpace(s))) {
	case PositionSideLong:
		return PositionSideLong, nil
	case PositionSideShort:
		return PositionSideShort, nil
	}
	return "", fmt.Errorf("unknown position side %q", s)
}

type PositionState string

const (
	PositionStateOpen   PositionState = "open"
	PositionStateClosed PositionState = "closed"
)

// PnLPrecision is the number of decimal places realized PnL is rounded to.
const PnLPrecision = 8

// LeverageScale is the number of decimal places a leverage may carry.
const LeverageScale = 2

// FuturePosition is a leveraged position whose margin is locked in a future
// wallet while open.
type FuturePosition struct {
	ID          int64            `db:"id"           json:"id"`
	UserID      int64            `db:"user_id"      json:"user_id"`
	WalletID    int64            `db:"wallet_id"    json:"wallet_id"`
	Symbol      string           `db:"symbol"       json:"symbol"`
	Side        PositionSide     `db:"side"         json:"side"`
	Margin      decimal.Decimal  `db:"margin"       json:"margin"`
	EntryPrice  decimal.Decimal  `db:"entry_price"  json:"entry_price"`
	Leverage    decimal.Decimal  `db:"leverage"     json:"leverage"`
	State       PositionState    `db:"state"        json:"state"`
	ExitPrice   *decimal.Decimal `db:"exit_price"   json:"exit_price,omitempty"`
	RealizedPnL *decimal.Decimal `db:"realized_pnl" json:"realized_pnl,omitempty"`
	OpenedAt    time.Time        `db:"opened_at"    json:"opened_at"`
	ClosedAt    *time.Time       `db:"closed_at"    json:"closed_at,omitempty"`
}

// Notional is margin × leverage.
func (p FuturePosition) Notional() decimal.Decimal {
	return p.Margin.Mul(p.Leverage)
}

// PnLAt computes realized PnL for closing at exitPrice. Losses are floored at
// -margin, which is how a liquidation is represented.
func (p FuturePosition) PnLAt(exitPrice decimal.Decimal) decimal.Decimal {
	move := exitPrice.Sub(p.EntryPrice)
	if p.Side == PositionSideShort {
		move = move.Neg()
	}

	pnl := move.Mul(p.Notional()).Div(p.EntryPrice).Round(PnLPrecision)
	if floor := p.Margin.Neg(); pnl.LessThan(floor) {
		return floor
	}
	return pnl
}
