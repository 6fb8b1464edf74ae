package handlers

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
)

type WalletService interface {
	UserWallets(ctx context.Context, userID int64) ([]entities.Wallet, error)
	Deposit(ctx context.Context, userID int64, currency string, walletType entities.WalletType, amount decimal.Decimal) (entities.BalanceSnapshot, error)
	TransferBetweenTypes(ctx context.Context, userID int64, currency string, fromType, toType entities.WalletType, amount decimal.Decimal) (from, to entities.BalanceSnapshot, err error)
	WalletEntries(ctx context.Context, userID, walletID int64, limit uint64) ([]entities.LedgerEntry, error)
}

type depositRequest struct {
	Currency   string          `json:"currency"    validate:"required,alphanum,max=16"`
	WalletType string          `json:"wallet_type" validate:"omitempty,oneof=spot future"`
	Amount     decimal.Decimal `json:"amount"`
}

type transferRequest struct {
	Currency string          `json:"currency"  validate:"omitempty,alphanum,max=16"`
	FromType string          `json:"from_type" validate:"required,oneof=spot future"`
	ToType   string          `json:"to_type"   validate:"required,oneof=spot future"`
	Amount   decimal.Decimal `json:"amount"`
}

type transferResponse struct {
	From entities.BalanceSnapshot `json:"from"`
	To   entities.BalanceSnapshot `json:"to"`
}

// GetUserWallets lists the caller's wallets.
func (h *HTTPHandler) GetUserWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	wallets, err := h.wallets.UserWallets(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if wallets == nil {
		wallets = []entities.Wallet{}
	}
	writeJSON(w, http.StatusOK, wallets)
}

// Deposit credits simulated funds to one of the caller's wallets.
func (h *HTTPHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var req depositRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	walletType := entities.WalletTypeSpot
	if req.WalletType != "" {
		walletType = entities.WalletType(req.WalletType)
	}

	balance, err := h.wallets.Deposit(r.Context(), userID, req.Currency, walletType, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("[Deposit] Wallet funded", "user_id", userID, "wallet_id", balance.WalletID, "amount", req.Amount.String())
	writeJSON(w, http.StatusCreated, balance)
}

// TransferBetweenWallets moves funds between the caller's spot and future wallets.
func (h *HTTPHandler) TransferBetweenWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	from, to, err := h.wallets.TransferBetweenTypes(r.Context(), userID, req.Currency,
		entities.WalletType(req.FromType), entities.WalletType(req.ToType), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, transferResponse{From: from, To: to})
}

// GetWalletEntries returns the newest ledger entries of one of the caller's wallets.
func (h *HTTPHandler) GetWalletEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	walletID, err := pathID(r, "walletId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entries, err := h.wallets.WalletEntries(r.Context(), userID, walletID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []entities.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
