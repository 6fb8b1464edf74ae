package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases/repository/memory"
)

const testSecret = "test-secret"

type testServer struct {
	router *mux.Router
	auth   *Authenticator
	hub    *OrderHub
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, middlewares ...mux.MiddlewareFunc) *testServer {
	t.Helper()

	logger := discardLogger()
	store := memory.NewStore()
	hub := NewOrderHub(logger)

	ledger := usecases.NewLedgerService(logger, store, store, store)
	escrow := usecases.NewEscrowService(logger, store, store, ledger)
	banking := usecases.NewBankTransferService(logger, store)
	p2p := usecases.NewP2PService(logger, store, store, escrow, ledger, banking, hub)
	trading := usecases.NewTradingService(logger, store, ledger, store, store, usecases.TradingOptions{
		FeeRate:     decimal.Zero,
		MaxLeverage: decimal.NewFromInt(100),
	})

	auth := NewAuthenticator(testSecret, "p2p-exchange")
	router := mux.NewRouter()
	handler := NewHTTPHandler(logger, ledger, p2p, banking, trading)
	handler.RegisterRoutes(router, append([]mux.MiddlewareFunc{auth.Middleware}, middlewares...)...)
	hub.RegisterRoutes(router, auth.Middleware)

	return &testServer{router: router, auth: auth, hub: hub}
}

func (s *testServer) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := s.auth.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, userID int64, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	require.Equal(t, code, decodeBody[errorResponse](t, rec).Code)
}

func TestP2POrderFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	const taker, merchant = 1, 2

	rec := s.do(t, merchant, http.MethodPost, "/api/v1/wallets/deposit", map[string]any{
		"currency": "USDT", "amount": "100",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, taker, http.MethodPost, "/api/v1/p2p/orders", map[string]any{
		"merchant_id":   merchant,
		"type":          "buy",
		"asset":         "USDT",
		"fiat_currency": "VND",
		"fiat_amount":   "2450000",
		"crypto_amount": "100",
		"unit_price":    "24500",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[entities.P2POrder](t, rec)
	require.Equal(t, entities.OrderStateOpen, order.State)
	orderPath := fmt.Sprintf("/api/v1/p2p/orders/%d", order.ID)

	rec = s.do(t, taker, http.MethodPost, orderPath+"/transfer-payment", map[string]any{
		"from_account": "VCB-0001", "to_account": "TCB-0002",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, entities.OrderStateBanked, decodeBody[entities.P2POrder](t, rec).State)

	rec = s.do(t, taker, http.MethodPost, orderPath+"/confirm", nil)
	requireError(t, rec, http.StatusForbidden, "UNAUTHORIZED")

	rec = s.do(t, merchant, http.MethodPost, orderPath+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, entities.OrderStateCompleted, decodeBody[entities.P2POrder](t, rec).State)

	rec = s.do(t, merchant, http.MethodPost, orderPath+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, "confirm replay succeeds")

	rec = s.do(t, taker, http.MethodPost, orderPath+"/cancel", nil)
	requireError(t, rec, http.StatusConflict, "INVALID_TRANSITION")

	rec = s.do(t, taker, http.MethodGet, "/api/v1/wallets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wallets := decodeBody[[]entities.Wallet](t, rec)
	require.Len(t, wallets, 1)
	require.True(t, wallets[0].Available.Equal(decimal.NewFromInt(100)))

	rec = s.do(t, merchant, http.MethodGet, orderPath+"/transfers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]entities.BankTransferRecord](t, rec), 1)

	rec = s.do(t, 3, http.MethodGet, orderPath, nil)
	requireError(t, rec, http.StatusForbidden, "UNAUTHORIZED")

	rec = s.do(t, taker, http.MethodGet, "/api/v1/p2p/orders?state=filled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]entities.P2POrder](t, rec), 1)
}

func TestHTTPErrorMapping(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, 0, http.MethodGet, "/api/v1/wallets", nil)
	requireError(t, rec, http.StatusUnauthorized, codeUnauthenticated)

	rec = s.do(t, 1, http.MethodPost, "/api/v1/p2p/orders", map[string]any{
		"merchant_id": 2, "type": "buy", "asset": "USDT", "fiat_currency": "VND",
		"crypto_amount": "100", "unit_price": "24500",
	})
	requireError(t, rec, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS")

	rec = s.do(t, 1, http.MethodPost, "/api/v1/p2p/orders", map[string]any{
		"merchant_id": 2, "type": "swap", "asset": "USDT", "fiat_currency": "VND",
	})
	requireError(t, rec, http.StatusBadRequest, "INVALID_INPUT")

	rec = s.do(t, 1, http.MethodPost, "/api/v1/p2p/orders/77/cancel", nil)
	requireError(t, rec, http.StatusNotFound, "ORDER_NOT_FOUND")

	rec = s.do(t, 1, http.MethodPost, "/api/v1/wallets/deposit", map[string]any{"currency": "USDT", "amount": "-1"})
	requireError(t, rec, http.StatusBadRequest, "INVALID_AMOUNT")

	rec = s.do(t, 1, http.MethodPost, "/api/v1/wallets/deposit", map[string]any{"currency": "USDT", "amount": "1", "extra": true})
	requireError(t, rec, http.StatusBadRequest, "INVALID_INPUT")

	rec = s.do(t, 1, http.MethodGet, "/api/v1/p2p/orders?state=lost", nil)
	requireError(t, rec, http.StatusBadRequest, "INVALID_INPUT")
}

func TestTradingOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, 1, http.MethodPost, "/api/v1/wallets/deposit", map[string]any{"currency": "USDT", "amount": "100"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, 1, http.MethodPost, "/api/v1/wallets/transfer", map[string]any{
		"from_type": "spot", "to_type": "future", "amount": "60",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	transfer := decodeBody[transferResponse](t, rec)
	require.True(t, transfer.To.Available.Equal(decimal.NewFromInt(60)))

	rec = s.do(t, 1, http.MethodPost, "/api/v1/trading/futures", map[string]any{
		"symbol": "BTCUSDT", "side": "long", "margin": "50", "entry_price": "45000", "leverage": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	position := decodeBody[entities.FuturePosition](t, rec)

	rec = s.do(t, 1, http.MethodPost, "/api/v1/trading/futures", map[string]any{
		"symbol": "BTCUSDT", "side": "long", "margin": "5", "entry_price": "45000", "leverage": "500",
	})
	requireError(t, rec, http.StatusBadRequest, "INVALID_LEVERAGE")

	closePath := fmt.Sprintf("/api/v1/trading/futures/%d/close", position.ID)
	rec = s.do(t, 1, http.MethodPost, closePath, map[string]any{"exit_price": "46000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decodeBody[usecases.ClosedPosition](t, rec)
	require.Equal(t, "11.11111111", closed.RealizedPnL.String())

	rec = s.do(t, 1, http.MethodPost, closePath, map[string]any{"exit_price": "46000"})
	requireError(t, rec, http.StatusConflict, "INVALID_STATE")

	rec = s.do(t, 1, http.MethodGet, "/api/v1/trading/futures?state=closed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]entities.FuturePosition](t, rec), 1)

	rec = s.do(t, 1, http.MethodGet, "/api/v1/trading/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeBody[[]entities.Trade](t, rec))
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		ports.ErrInsufficientFunds:                         http.StatusUnprocessableEntity,
		fmt.Errorf("wrap: %w", ports.ErrInvalidTransition): http.StatusConflict,
		ports.ErrAlreadyEscrowed:                           http.StatusConflict,
		ports.ErrEscrowNotFound:                            http.StatusNotFound,
		ports.ErrPositionNotFound:                          http.StatusNotFound,
		ports.ErrUnauthorized:                              http.StatusForbidden,
		ports.ErrInvalidLeverage:                           http.StatusBadRequest,
		errors.New("connection reset"):                     http.StatusInternalServerError,
	}
	for err, status := range cases {
		require.Equal(t, status, statusFor(err), err.Error())
	}
}
