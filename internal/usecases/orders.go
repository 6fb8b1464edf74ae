package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.openly.dev/pointy"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/internal/metrics"
)

type OrdersRepository interface {
	// InsertOrder fills in the id and timestamps.
	InsertOrder(ctx context.Context, order *entities.P2POrder) error
	FindOrder(ctx context.Context, id int64) (*entities.P2POrder, error)
	// LockOrder serializes state transitions of one order until the transaction ends.
	LockOrder(ctx context.Context, id int64) (*entities.P2POrder, error)
	UpdateOrder(ctx context.Context, order *entities.P2POrder) error
	FindUserOrders(ctx context.Context, userID int64, states []entities.OrderState) ([]entities.P2POrder, error)
	FindStaleOrders(ctx context.Context, state entities.OrderState, updatedBefore time.Time) ([]int64, error)
}

// OrderNotifier receives order events after the transition committed.
type OrderNotifier interface {
	NotifyOrder(event string, order entities.P2POrder)
}

const (
	OrderEventCreated   = "order.created"
	OrderEventUpdated   = "order.updated"
	OrderEventBanked    = "order.banked"
	OrderEventCompleted = "order.completed"
	OrderEventCancelled = "order.cancelled"
	OrderEventExpired   = "order.expired"
)

type CreateOrderInput struct {
	TakerID      int64
	MerchantID   int64
	Type         entities.OrderType
	Asset        string
	FiatCurrency string
	FiatAmount   decimal.Decimal
	CryptoAmount decimal.Decimal
	UnitPrice    decimal.Decimal
}

// PaymentEvidence is what the payer reports about the fiat leg.
type PaymentEvidence struct {
	FromAccount string
	ToAccount   string
	// Amount defaults to the order's fiat amount when zero.
	Amount decimal.Decimal
}

// UpdateOrderInput carries the editable fields; zero values are left unchanged.
type UpdateOrderInput struct {
	UnitPrice  decimal.Decimal
	FiatAmount decimal.Decimal
}

// P2PService drives P2P orders through open -> banked -> completed, or
// open -> cancelled. Each transition runs under the order lock in a single
// transaction together with its escrow and ledger effects.
type P2PService struct {
	logger     *slog.Logger
	transactor Transactor
	orders     OrdersRepository
	escrow     *EscrowService
	ledger     *LedgerService
	banking    *BankTransferService
	notifier   OrderNotifier
}

func NewP2PService(
	logger *slog.Logger,
	transactor Transactor,
	orders OrdersRepository,
	escrow *EscrowService,
	ledger *LedgerService,
	banking *BankTransferService,
	notifier OrderNotifier,
) *P2PService {
	return &P2PService{
		logger:     logger,
		transactor: withCommitHooks(transactor),
		orders:     orders,
		escrow:     escrow,
		ledger:     ledger,
		banking:    banking,
		notifier:   notifier,
	}
}

// Create opens an order and escrows crypto_amount from the party selling
// crypto: the merchant for buy orders, the taker for sell orders.
func (s *P2PService) Create(ctx context.Context, in CreateOrderInput) (*entities.P2POrder, error) {
	order, err := newOrder(in)
	if err != nil {
		return nil, err
	}

	err = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.orders.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		wallet, err := s.ledger.EnsureWallet(ctx, order.EscrowOwner(), order.Asset, entities.WalletTypeSpot)
		if err != nil {
			return err
		}

		_, err = s.escrow.OpenEscrow(ctx, order.ID, wallet.ID, order.CryptoAmount)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create p2p order: %w", err)
	}

	s.logger.Info("p2p order created",
		"order_id", order.ID,
		"type", order.Type,
		"taker_id", order.TakerID,
		"merchant_id", order.MerchantID,
		"crypto_amount", order.CryptoAmount.String(),
		"asset", order.Asset)
	metrics.OrderTransitions.WithLabelValues(string(entities.OrderStateOpen)).Inc()
	s.publish(OrderEventCreated, order)

	return order, nil
}

// Cancel is legal only from open and refunds the escrow to its owner.
func (s *P2PService) Cancel(ctx context.Context, orderID, callerID int64) (*entities.P2POrder, error) {
	order, err := s.withOrder(ctx, orderID, func(ctx context.Context, order *entities.P2POrder) (bool, error) {
		if !order.IsParty(callerID) {
			return false, ports.ErrUnauthorized
		}
		return true, s.cancel(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	s.publish(OrderEventCancelled, order)
	return order, nil
}

// TransferPayment records the taker's fiat payment on a buy order.
func (s *P2PService) TransferPayment(ctx context.Context, orderID, callerID int64, evidence PaymentEvidence) (*entities.P2POrder, error) {
	return s.recordPayment(ctx, orderID, callerID, entities.OrderTypeBuy, evidence)
}

// MerchantTransferPayment records the merchant's fiat payment on a sell order.
func (s *P2PService) MerchantTransferPayment(ctx context.Context, orderID, callerID int64, evidence PaymentEvidence) (*entities.P2POrder, error) {
	return s.recordPayment(ctx, orderID, callerID, entities.OrderTypeSell, evidence)
}

func (s *P2PService) recordPayment(ctx context.Context, orderID, callerID int64, orderType entities.OrderType, evidence PaymentEvidence) (*entities.P2POrder, error) {
	order, err := s.withOrder(ctx, orderID, func(ctx context.Context, order *entities.P2POrder) (bool, error) {
		if order.Type != orderType {
			return false, fmt.Errorf("payment step for %s order on a %s order: %w", orderType, order.Type, ports.ErrInvalidTransition)
		}
		if callerID != order.Payer() {
			return false, ports.ErrUnauthorized
		}
		if !order.State.CanTransition(entities.OrderStateBanked) {
			return false, fmt.Errorf("%s -> %s: %w", order.State, entities.OrderStateBanked, ports.ErrInvalidTransition)
		}

		amount := evidence.Amount
		if amount.IsZero() {
			amount = order.FiatAmount
		}
		if _, err := s.banking.Record(ctx, BankTransfer{
			OrderID:     pointy.Pointer(order.ID),
			FromAccount: evidence.FromAccount,
			ToAccount:   evidence.ToAccount,
			Amount:      amount,
			Currency:    order.FiatCurrency,
			InitiatedBy: callerID,
		}); err != nil {
			return false, err
		}

		order.State = entities.OrderStateBanked
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record payment for order %d: %w", orderID, err)
	}

	s.publish(OrderEventBanked, order)
	return order, nil
}

// ConfirmAndRelease completes a banked order by releasing the escrow to the
// counterparty. Only the escrow owner may confirm. Replaying it on a
// completed order returns the order without further effect.
func (s *P2PService) ConfirmAndRelease(ctx context.Context, orderID, callerID int64) (*entities.P2POrder, error) {
	var replayed bool
	order, err := s.withOrder(ctx, orderID, func(ctx context.Context, order *entities.P2POrder) (bool, error) {
		if callerID != order.Confirmer() {
			return false, ports.ErrUnauthorized
		}
		if order.State == entities.OrderStateCompleted {
			replayed = true
			return false, nil
		}
		if !order.State.CanTransition(entities.OrderStateCompleted) {
			return false, fmt.Errorf("%s -> %s: %w", order.State, entities.OrderStateCompleted, ports.ErrInvalidTransition)
		}

		dst, err := s.ledger.EnsureWallet(ctx, order.Beneficiary(), order.Asset, entities.WalletTypeSpot)
		if err != nil {
			return false, err
		}
		if _, err = s.escrow.ReleaseEscrow(ctx, order.ID, dst.ID); err != nil {
			return false, err
		}

		order.State = entities.OrderStateCompleted
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm order %d: %w", orderID, err)
	}

	if replayed {
		s.logger.Debug("confirm replayed on completed order", "order_id", orderID)
		return order, nil
	}
	s.publish(OrderEventCompleted, order)
	return order, nil
}

// Update edits price and fiat amount while the order is open. A new price
// without a fiat amount recomputes fiat from the crypto amount.
func (s *P2PService) Update(ctx context.Context, orderID, callerID int64, in UpdateOrderInput) (*entities.P2POrder, error) {
	if in.UnitPrice.IsNegative() || in.FiatAmount.IsNegative() || (in.UnitPrice.IsZero() && in.FiatAmount.IsZero()) {
		return nil, fmt.Errorf("update order %d: nothing to change: %w", orderID, ports.ErrInvalidAmount)
	}
	if !entities.FitsScale(in.UnitPrice, entities.LedgerScale) || !entities.FitsScale(in.FiatAmount, entities.LedgerScale) {
		return nil, fmt.Errorf("update order %d: more than %d decimal places: %w", orderID, entities.LedgerScale, ports.ErrInvalidAmount)
	}

	order, err := s.withOrder(ctx, orderID, func(ctx context.Context, order *entities.P2POrder) (bool, error) {
		if !order.IsParty(callerID) {
			return false, ports.ErrUnauthorized
		}
		if order.State != entities.OrderStateOpen {
			return false, fmt.Errorf("edit in state %s: %w", order.State, ports.ErrInvalidTransition)
		}

		if in.UnitPrice.IsPositive() {
			order.UnitPrice = in.UnitPrice
			order.FiatAmount = fiatFor(order.CryptoAmount, in.UnitPrice)
		}
		if in.FiatAmount.IsPositive() {
			order.FiatAmount = in.FiatAmount
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("update order %d: %w", orderID, err)
	}

	s.publish(OrderEventUpdated, order)
	return order, nil
}

// GetOrder returns an order visible to one of its parties.
func (s *P2PService) GetOrder(ctx context.Context, orderID, callerID int64) (*entities.P2POrder, error) {
	order, err := s.orders.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsParty(callerID) {
		return nil, fmt.Errorf("order %d: %w", orderID, ports.ErrUnauthorized)
	}
	return order, nil
}

// ListUserOrders returns orders where the user is taker or merchant,
// optionally filtered by canonical state.
func (s *P2PService) ListUserOrders(ctx context.Context, userID int64, states []entities.OrderState) ([]entities.P2POrder, error) {
	return s.orders.FindUserOrders(ctx, userID, states)
}

// ExpireStaleOrders cancels open orders that have not moved for olderThan.
// A failing order is logged and skipped.
func (s *P2PService) ExpireStaleOrders(ctx context.Context, olderThan time.Duration) (int64, error) {
	ids, err := s.orders.FindStaleOrders(ctx, entities.OrderStateOpen, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("find stale orders: %w", err)
	}

	var expired int64
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}

		order, err := s.withOrder(ctx, id, func(ctx context.Context, order *entities.P2POrder) (bool, error) {
			// Moved on since the scan.
			if order.State != entities.OrderStateOpen {
				return false, nil
			}
			return true, s.cancel(ctx, order)
		})
		if err != nil {
			s.logger.Error("failed to expire order", "order_id", id, "error", err)
			continue
		}
		if order.State == entities.OrderStateCancelled {
			expired++
			s.publish(OrderEventExpired, order)
		}
	}

	return expired, nil
}

func (s *P2PService) cancel(ctx context.Context, order *entities.P2POrder) error {
	if !order.State.CanTransition(entities.OrderStateCancelled) {
		return fmt.Errorf("%s -> %s: %w", order.State, entities.OrderStateCancelled, ports.ErrInvalidTransition)
	}
	if _, err := s.escrow.CancelEscrow(ctx, order.ID); err != nil {
		return err
	}
	order.State = entities.OrderStateCancelled
	return nil
}

// withOrder runs fn under the order lock and persists the order when fn
// reports a change.
func (s *P2PService) withOrder(ctx context.Context, orderID int64, fn func(ctx context.Context, order *entities.P2POrder) (bool, error)) (*entities.P2POrder, error) {
	var order *entities.P2POrder
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		from := order.State
		changed, err := fn(ctx, order)
		if err != nil || !changed {
			return err
		}

		if err = s.orders.UpdateOrder(ctx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if from != order.State {
			metrics.OrderTransitions.WithLabelValues(string(order.State)).Inc()
			s.logger.Info("p2p order transition", "order_id", order.ID, "from", from, "to", order.State)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *P2PService) publish(event string, order *entities.P2POrder) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyOrder(event, *order)
}

func newOrder(in CreateOrderInput) (*entities.P2POrder, error) {
	switch {
	case in.TakerID <= 0 || in.MerchantID <= 0:
		return nil, fmt.Errorf("taker and merchant are required: %w", ports.ErrInvalidInput)
	case in.TakerID == in.MerchantID:
		return nil, fmt.Errorf("taker cannot trade with itself: %w", ports.ErrInvalidInput)
	case in.Type != entities.OrderTypeBuy && in.Type != entities.OrderTypeSell:
		return nil, fmt.Errorf("order type %q: %w", in.Type, ports.ErrInvalidInput)
	}

	asset := entities.NormalizeCurrency(in.Asset)
	fiatCurrency := entities.NormalizeCurrency(in.FiatCurrency)
	if asset == "" || fiatCurrency == "" {
		return nil, fmt.Errorf("asset and fiat currency are required: %w", ports.ErrInvalidInput)
	}

	if err := validateAmount(in.CryptoAmount); err != nil {
		return nil, err
	}
	if err := validateAmount(in.UnitPrice); err != nil {
		return nil, err
	}

	fiat := in.FiatAmount
	if fiat.IsNegative() {
		return nil, fmt.Errorf("fiat amount %s: %w", fiat, ports.ErrInvalidAmount)
	}
	if fiat.IsZero() {
		fiat = fiatFor(in.CryptoAmount, in.UnitPrice)
	} else if !entities.FitsScale(fiat, entities.LedgerScale) {
		return nil, fmt.Errorf("fiat amount %s has more than %d decimal places: %w", fiat, entities.LedgerScale, ports.ErrInvalidAmount)
	}

	return &entities.P2POrder{
		Type:         in.Type,
		TakerID:      in.TakerID,
		MerchantID:   in.MerchantID,
		Asset:        asset,
		FiatCurrency: fiatCurrency,
		FiatAmount:   fiat,
		CryptoAmount: in.CryptoAmount,
		UnitPrice:    in.UnitPrice,
		State:        entities.OrderStateOpen,
	}, nil
}

// fiatFor prices a crypto amount at ledger scale.
func fiatFor(cryptoAmount, unitPrice decimal.Decimal) decimal.Decimal {
	return cryptoAmount.Mul(unitPrice).Round(entities.LedgerScale)
}
