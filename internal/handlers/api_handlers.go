package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases"
)

var (
	_ WalletService  = (*usecases.LedgerService)(nil)
	_ OrderService   = (*usecases.P2PService)(nil)
	_ BankingService = (*usecases.BankTransferService)(nil)
	_ TradingService = (*usecases.TradingService)(nil)
)

type HTTPHandler struct {
	logger   *slog.Logger
	wallets  WalletService
	orders   OrderService
	banking  BankingService
	trading  TradingService
	validate *validator.Validate
}

func NewHTTPHandler(
	logger *slog.Logger,
	wallets WalletService,
	orders OrderService,
	banking BankingService,
	trading TradingService,
) *HTTPHandler {
	return &HTTPHandler{
		logger:   logger,
		wallets:  wallets,
		orders:   orders,
		banking:  banking,
		trading:  trading,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the API under /api/v1. Every API route runs behind
// the given middlewares, in order.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router, middlewares ...mux.MiddlewareFunc) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middlewares...)

	// Wallets
	api.HandleFunc("/wallets", h.GetUserWallets).Methods(http.MethodGet)
	api.HandleFunc("/wallets/deposit", h.Deposit).Methods(http.MethodPost)
	api.HandleFunc("/wallets/transfer", h.TransferBetweenWallets).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{walletId:[0-9]+}/entries", h.GetWalletEntries).Methods(http.MethodGet)

	// P2P orders
	api.HandleFunc("/p2p/orders", h.GetUserOrders).Methods(http.MethodGet)
	api.HandleFunc("/p2p/orders", h.CreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/p2p/orders/{orderId:[0-9]+}", h.GetOrder).Methods(http.MethodGet)
	api.HandleFunc("/p2p/orders/{orderId:[0-9]+}", h.UpdateOrder).Methods(http.MethodPatch)
	api.HandleFunc("/p2p/orders/{orderId:[0-9]+}/transfers", h.GetOrderTransfers).Methods(http.MethodGet)
	api.HandleFunc("/p2p/orders/{orderId:[0-9]+}/cancel", h.CancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/p2p/orders/{orderId:[0-9]+}/transfer-payment", h.TransferPayment).Methods(http.MethodPost)
	api.HandleFunc("/p2p/orders/{orderId:[0-9]+}/merchant-transfer-payment", h.MerchantTransferPayment).Methods(http.MethodPost)
	api.HandleFunc("/p2p/orders/{orderId:[0-9]+}/confirm", h.ConfirmOrder).Methods(http.MethodPost)

	// Trading
	api.HandleFunc("/trading/spot/buy", h.SpotBuy).Methods(http.MethodPost)
	api.HandleFunc("/trading/spot/sell", h.SpotSell).Methods(http.MethodPost)
	api.HandleFunc("/trading/trades", h.GetTrades).Methods(http.MethodGet)
	api.HandleFunc("/trading/futures", h.GetPositions).Methods(http.MethodGet)
	api.HandleFunc("/trading/futures", h.OpenFuture).Methods(http.MethodPost)
	api.HandleFunc("/trading/futures/{positionId:[0-9]+}/close", h.CloseFuture).Methods(http.MethodPost)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeError maps a settlement error to its HTTP status. Unknown errors are
// logged and reported without detail.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeErrorCode(w, status, ports.Code(err), "internal server error")
		return
	}

	h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	writeErrorCode(w, status, ports.Code(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ports.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ports.ErrInvalidTransition),
		errors.Is(err, ports.ErrInvalidState),
		errors.Is(err, ports.ErrAlreadyEscrowed):
		return http.StatusConflict
	case errors.Is(err, ports.ErrWalletNotFound),
		errors.Is(err, ports.ErrOrderNotFound),
		errors.Is(err, ports.ErrEscrowNotFound),
		errors.Is(err, ports.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ports.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ports.ErrInvalidAmount),
		errors.Is(err, ports.ErrInvalidInput),
		errors.Is(err, ports.ErrInvalidLeverage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst and validates its struct tags.
func (h *HTTPHandler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %w", ports.ErrInvalidInput, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrInvalidInput, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", ports.ErrInvalidInput, name)
	}
	return id, nil
}

func queryLimit(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid limit %q", ports.ErrInvalidInput, raw)
	}
	return limit, nil
}

// caller returns the authenticated user id, writing 401 when it is missing.
func caller(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := CallerID(r.Context())
	if !ok {
		writeErrorCode(w, http.StatusUnauthorized, codeUnauthenticated, "authentication required")
	}
	return userID, ok
}
