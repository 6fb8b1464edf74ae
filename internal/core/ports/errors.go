package ports

import "errors"

// Settlement failures. Usecases wrap these with context; callers match with errors.Is.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyEscrowed   = errors.New("order already escrowed")
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrUnauthorized      = errors.New("caller is not allowed to perform this action")
	ErrInvalidLeverage   = errors.New("invalid leverage")
	ErrPositionNotFound  = errors.New("position not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidInput      = errors.New("invalid input")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidAmount, "INVALID_AMOUNT"},
	{ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{ErrWalletNotFound, "WALLET_NOT_FOUND"},
	{ErrInvalidState, "INVALID_STATE"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrAlreadyEscrowed, "ALREADY_ESCROWED"},
	{ErrEscrowNotFound, "ESCROW_NOT_FOUND"},
	{ErrUnauthorized, "UNAUTHORIZED"},
	{ErrInvalidLeverage, "INVALID_LEVERAGE"},
	{ErrPositionNotFound, "POSITION_NOT_FOUND"},
	{ErrOrderNotFound, "ORDER_NOT_FOUND"},
	{ErrInvalidInput, "INVALID_INPUT"},
}

// Code returns the stable machine-readable code for a settlement error,
// or "INTERNAL" for anything else.
func Code(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}
