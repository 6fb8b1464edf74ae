package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases"
)

type TradingService interface {
	SpotBuy(ctx context.Context, in usecases.SpotOrderInput) (*usecases.SpotFill, error)
	SpotSell(ctx context.Context, in usecases.SpotOrderInput) (*usecases.SpotFill, error)
	OpenFuture(ctx context.Context, in usecases.OpenFutureInput) (*entities.FuturePosition, error)
	CloseFuture(ctx context.Context, positionID, userID int64, exitPrice decimal.Decimal) (*usecases.ClosedPosition, error)
	ListTrades(ctx context.Context, userID int64, symbol string, limit uint64) ([]entities.Trade, error)
	ListPositions(ctx context.Context, userID int64, state entities.PositionState) ([]entities.FuturePosition, error)
}

type spotOrderRequest struct {
	WalletID   int64           `json:"wallet_id"   validate:"required,gt=0"`
	Symbol     string          `json:"symbol"      validate:"required,max=32"`
	Units      decimal.Decimal `json:"units"`
	IndexPrice decimal.Decimal `json:"index_price"`
}

type openFutureRequest struct {
	WalletID   int64           `json:"wallet_id"   validate:"gte=0"`
	Symbol     string          `json:"symbol"      validate:"required,max=32"`
	Side       string          `json:"side"        validate:"required"`
	Margin     decimal.Decimal `json:"margin"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   decimal.Decimal `json:"leverage"`
}

type closeFutureRequest struct {
	ExitPrice decimal.Decimal `json:"exit_price"`
}

func (h *HTTPHandler) SpotBuy(w http.ResponseWriter, r *http.Request) {
	h.spot(w, r, h.trading.SpotBuy)
}

func (h *HTTPHandler) SpotSell(w http.ResponseWriter, r *http.Request) {
	h.spot(w, r, h.trading.SpotSell)
}

func (h *HTTPHandler) spot(w http.ResponseWriter, r *http.Request, execute func(context.Context, usecases.SpotOrderInput) (*usecases.SpotFill, error)) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var req spotOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	fill, err := execute(r.Context(), usecases.SpotOrderInput{
		UserID:     userID,
		WalletID:   req.WalletID,
		Symbol:     req.Symbol,
		Units:      req.Units,
		IndexPrice: req.IndexPrice,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fill)
}

func (h *HTTPHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	trades, err := h.trading.ListTrades(r.Context(), userID, r.URL.Query().Get("symbol"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if trades == nil {
		trades = []entities.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (h *HTTPHandler) OpenFuture(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var req openFutureRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	side, err := entities.ParsePositionSide(req.Side)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", ports.ErrInvalidInput, err))
		return
	}

	position, err := h.trading.OpenFuture(r.Context(), usecases.OpenFutureInput{
		UserID:     userID,
		WalletID:   req.WalletID,
		Symbol:     req.Symbol,
		Side:       side,
		Margin:     req.Margin,
		EntryPrice: req.EntryPrice,
		Leverage:   req.Leverage,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, position)
}

func (h *HTTPHandler) CloseFuture(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	positionID, err := pathID(r, "positionId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req closeFutureRequest
	if err = h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	closed, err := h.trading.CloseFuture(r.Context(), positionID, userID, req.ExitPrice)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// GetPositions lists the caller's positions; state may be open or closed.
func (h *HTTPHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	state := entities.PositionState(r.URL.Query().Get("state"))
	if state != "" && state != entities.PositionStateOpen && state != entities.PositionStateClosed {
		h.writeError(w, r, fmt.Errorf("%w: unknown position state %q", ports.ErrInvalidInput, state))
		return
	}

	positions, err := h.trading.ListPositions(r.Context(), userID, state)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if positions == nil {
		positions = []entities.FuturePosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}
