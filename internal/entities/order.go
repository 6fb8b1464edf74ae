package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the direction of a P2P order from the taker's side.
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(strings.ToLower(strings.TrimSpace(s))) {
	case OrderTypeBuy:
		return OrderTypeBuy, nil
	case OrderTypeSell:
		return OrderTypeSell, nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

// OrderState is the canonical P2P settlement state.
//
//	open ──transfer payment──> banked ──confirm and release──> completed
//	  └──────cancel──────> cancelled
//
// completed and cancelled are terminal.
type OrderState string

const (
	OrderStateOpen      OrderState = "open"
	OrderStateBanked    OrderState = "banked"
	OrderStateCompleted OrderState = "completed"
	OrderStateCancelled OrderState = "cancelled"
)

// Legacy names still sent by older clients.
var orderStateSynonyms = map[string]OrderState{
	"open":      OrderStateOpen,
	"pending":   OrderStateOpen,
	"banked":    OrderStateBanked,
	"matched":   OrderStateBanked,
	"completed": OrderStateCompleted,
	"filled":    OrderStateCompleted,
	"cancelled": OrderStateCancelled,
	"canceled":  OrderStateCancelled,
}

var orderTransitions = map[OrderState][]OrderState{
	OrderStateOpen:   {OrderStateBanked, OrderStateCancelled},
	OrderStateBanked: {OrderStateCompleted},
}

// ParseOrderState maps a canonical or legacy state name to its canonical value.
func ParseOrderState(s string) (OrderState, error) {
	state, ok := orderStateSynonyms[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown order state %q", s)
	}
	return state, nil
}

func (s OrderState) IsTerminal() bool {
	return s == OrderStateCompleted || s == OrderStateCancelled
}

// CanTransition reports whether the transition table allows s -> to.
func (s OrderState) CanTransition(to OrderState) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// P2POrder is a crypto/fiat exchange between a taker and a merchant.
type P2POrder struct {
	ID           int64           `db:"id"            json:"id"`
	Type         OrderType       `db:"order_type"    json:"type"`
	TakerID      int64           `db:"taker_id"      json:"taker_id"`
	MerchantID   int64           `db:"merchant_id"   json:"merchant_id"`
	Asset        string          `db:"asset"         json:"asset"`
	FiatCurrency string          `db:"fiat_currency" json:"fiat_currency"`
	FiatAmount   decimal.Decimal `db:"fiat_amount"   json:"fiat_amount"`
	CryptoAmount decimal.Decimal `db:"crypto_amount" json:"crypto_amount"`
	UnitPrice    decimal.Decimal `db:"unit_price"    json:"unit_price"`
	State        OrderState      `db:"state"         json:"state"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// EscrowOwner is the party whose crypto is held for the lifetime of the order:
// the merchant sells crypto on buy orders, the taker sells it on sell orders.
func (o P2POrder) EscrowOwner() int64 {
	if o.Type == OrderTypeBuy {
		return o.MerchantID
	}
	return o.TakerID
}

// Beneficiary receives the escrowed crypto on completion.
func (o P2POrder) Beneficiary() int64 {
	if o.Type == OrderTypeBuy {
		return o.TakerID
	}
	return o.MerchantID
}

// Payer sends the fiat leg.
func (o P2POrder) Payer() int64 {
	return o.Beneficiary()
}

// Confirmer acknowledges the fiat and releases escrow. It is always the
// escrow owner.
func (o P2POrder) Confirmer() int64 {
	return o.EscrowOwner()
}

func (o P2POrder) IsParty(userID int64) bool {
	return userID == o.TakerID || userID == o.MerchantID
}
