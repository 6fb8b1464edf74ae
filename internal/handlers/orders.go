package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases"
)

type OrderService interface {
	Create(ctx context.Context, in usecases.CreateOrderInput) (*entities.P2POrder, error)
	GetOrder(ctx context.Context, orderID, callerID int64) (*entities.P2POrder, error)
	ListUserOrders(ctx context.Context, userID int64, states []entities.OrderState) ([]entities.P2POrder, error)
	Update(ctx context.Context, orderID, callerID int64, in usecases.UpdateOrderInput) (*entities.P2POrder, error)
	Cancel(ctx context.Context, orderID, callerID int64) (*entities.P2POrder, error)
	TransferPayment(ctx context.Context, orderID, callerID int64, evidence usecases.PaymentEvidence) (*entities.P2POrder, error)
	MerchantTransferPayment(ctx context.Context, orderID, callerID int64, evidence usecases.PaymentEvidence) (*entities.P2POrder, error)
	ConfirmAndRelease(ctx context.Context, orderID, callerID int64) (*entities.P2POrder, error)
}

type BankingService interface {
	ByOrder(ctx context.Context, orderID int64) ([]entities.BankTransferRecord, error)
}

// createOrderRequest is sent by the taker accepting a merchant's offer.
type createOrderRequest struct {
	MerchantID   int64           `json:"merchant_id"   validate:"required,gt=0"`
	Type         string          `json:"type"          validate:"required,oneof=buy sell"`
	Asset        string          `json:"asset"         validate:"required,alphanum,max=16"`
	FiatCurrency string          `json:"fiat_currency" validate:"required,alpha,max=8"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
}

type updateOrderRequest struct {
	UnitPrice  decimal.Decimal `json:"unit_price"`
	FiatAmount decimal.Decimal `json:"fiat_amount"`
}

type paymentRequest struct {
	FromAccount string          `json:"from_account" validate:"required,max=64"`
	ToAccount   string          `json:"to_account"   validate:"required,max=64"`
	Amount      decimal.Decimal `json:"amount"`
}

// GetUserOrders lists orders where the caller is taker or merchant.
// The optional state query takes a comma separated list of states.
func (h *HTTPHandler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var states []entities.OrderState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			state, err := entities.ParseOrderState(name)
			if err != nil {
				h.writeError(w, r, fmt.Errorf("%w: %w", ports.ErrInvalidInput, err))
				return
			}
			states = append(states, state)
		}
	}

	orders, err := h.orders.ListUserOrders(r.Context(), userID, states)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []entities.P2POrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.orders.Create(r.Context(), usecases.CreateOrderInput{
		TakerID:      userID,
		MerchantID:   req.MerchantID,
		Type:         entities.OrderType(req.Type),
		Asset:        req.Asset,
		FiatCurrency: req.FiatCurrency,
		FiatAmount:   req.FiatAmount,
		CryptoAmount: req.CryptoAmount,
		UnitPrice:    req.UnitPrice,
	})
	if err != nil {
		h.logger.Error("[Create Order] Error creating order", "error", err, "user_id", userID)
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrderID(w, r, func(orderID, userID int64) (*entities.P2POrder, error) {
		return h.orders.GetOrder(r.Context(), orderID, userID)
	})
}

func (h *HTTPHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req updateOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.withOrderID(w, r, func(orderID, userID int64) (*entities.P2POrder, error) {
		return h.orders.Update(r.Context(), orderID, userID, usecases.UpdateOrderInput{
			UnitPrice:  req.UnitPrice,
			FiatAmount: req.FiatAmount,
		})
	})
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrderID(w, r, func(orderID, userID int64) (*entities.P2POrder, error) {
		return h.orders.Cancel(r.Context(), orderID, userID)
	})
}

// TransferPayment records the taker's fiat payment on a buy order.
func (h *HTTPHandler) TransferPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.withOrderID(w, r, func(orderID, userID int64) (*entities.P2POrder, error) {
		return h.orders.TransferPayment(r.Context(), orderID, userID, req.evidence())
	})
}

// MerchantTransferPayment records the merchant's fiat payment on a sell order.
func (h *HTTPHandler) MerchantTransferPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.withOrderID(w, r, func(orderID, userID int64) (*entities.P2POrder, error) {
		return h.orders.MerchantTransferPayment(r.Context(), orderID, userID, req.evidence())
	})
}

// ConfirmOrder confirms fiat receipt and releases the escrow.
func (h *HTTPHandler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrderID(w, r, func(orderID, userID int64) (*entities.P2POrder, error) {
		return h.orders.ConfirmAndRelease(r.Context(), orderID, userID)
	})
}

// GetOrderTransfers lists the bank transfers recorded for an order.
func (h *HTTPHandler) GetOrderTransfers(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	orderID, err := pathID(r, "orderId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if _, err = h.orders.GetOrder(r.Context(), orderID, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	transfers, err := h.banking.ByOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if transfers == nil {
		transfers = []entities.BankTransferRecord{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (h *HTTPHandler) withOrderID(w http.ResponseWriter, r *http.Request, fn func(orderID, userID int64) (*entities.P2POrder, error)) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	orderID, err := pathID(r, "orderId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := fn(orderID, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (p paymentRequest) evidence() usecases.PaymentEvidence {
	return usecases.PaymentEvidence{
		FromAccount: p.FromAccount,
		ToAccount:   p.ToAccount,
		Amount:      p.Amount,
	}
}
