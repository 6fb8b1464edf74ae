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

type TradesRepository interface {
	// InsertTrade fills in the id and creation time.
	InsertTrade(ctx context.Context, trade *entities.Trade) error
	FindUserTrades(ctx context.Context, userID int64, symbol string, limit uint64) ([]entities.Trade, error)
}

type PositionsRepository interface {
	// InsertPosition fills in the id and open time.
	InsertPosition(ctx context.Context, position *entities.FuturePosition) error
	// LockPosition serializes closes of one position until the transaction ends.
	LockPosition(ctx context.Context, id int64) (*entities.FuturePosition, error)
	ClosePosition(ctx context.Context, position *entities.FuturePosition) error
	FindUserPositions(ctx context.Context, userID int64, state entities.PositionState) ([]entities.FuturePosition, error)
}

// TradingOptions are the exchange-wide trading parameters.
type TradingOptions struct {
	// FeeRate is charged on the quote total of every spot fill.
	FeeRate     decimal.Decimal
	MaxLeverage decimal.Decimal
}

type SpotOrderInput struct {
	UserID     int64
	WalletID   int64
	Symbol     string
	Units      decimal.Decimal
	IndexPrice decimal.Decimal
}

type SpotFill struct {
	Trade *entities.Trade          `json:"trade"`
	Base  entities.BalanceSnapshot `json:"base_balance"`
	Quote entities.BalanceSnapshot `json:"quote_balance"`
}

type OpenFutureInput struct {
	UserID int64
	// WalletID may be zero; the user's future wallet in the quote currency is used then.
	WalletID   int64
	Symbol     string
	Side       entities.PositionSide
	Margin     decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   decimal.Decimal
}

type ClosedPosition struct {
	Position    *entities.FuturePosition `json:"position"`
	RealizedPnL decimal.Decimal          `json:"realized_pnl"`
	// Payout is margin + realized PnL returned to the available balance.
	Payout  decimal.Decimal          `json:"payout"`
	Balance entities.BalanceSnapshot `json:"balance"`
}

// TradingService executes spot swaps and futures positions directly against
// a caller-supplied index price.
type TradingService struct {
	logger     *slog.Logger
	transactor Transactor
	ledger     *LedgerService
	trades     TradesRepository
	positions  PositionsRepository
	opts       TradingOptions
}

func NewTradingService(
	logger *slog.Logger,
	transactor Transactor,
	ledger *LedgerService,
	trades TradesRepository,
	positions PositionsRepository,
	opts TradingOptions,
) *TradingService {
	return &TradingService{
		logger:     logger,
		transactor: withCommitHooks(transactor),
		ledger:     ledger,
		trades:     trades,
		positions:  positions,
		opts:       opts,
	}
}

func (s *TradingService) SpotBuy(ctx context.Context, in SpotOrderInput) (*SpotFill, error) {
	return s.spot(ctx, entities.TradeSideBuy, in)
}

func (s *TradingService) SpotSell(ctx context.Context, in SpotOrderInput) (*SpotFill, error) {
	return s.spot(ctx, entities.TradeSideSell, in)
}

// spot swaps base and quote in one posting: total = units × index price,
// plus a fee leg in the quote currency.
func (s *TradingService) spot(ctx context.Context, side entities.TradeSide, in SpotOrderInput) (*SpotFill, error) {
	base, quote, err := entities.ParseSymbol(in.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrInvalidInput, err)
	}
	if err = validateAmount(in.Units); err != nil {
		return nil, err
	}
	if err = validateAmount(in.IndexPrice); err != nil {
		return nil, err
	}

	// The quote side is rounded to ledger scale in the house's favour: a buy
	// pays the ceiling, a sell receives the floor. The fee always rounds up,
	// so any positive fee rate charges at least one unit of the last place.
	total := in.Units.Mul(in.IndexPrice)
	if side == entities.TradeSideBuy {
		total = total.RoundCeil(entities.LedgerScale)
	} else {
		total = total.RoundFloor(entities.LedgerScale)
	}
	fee := total.Mul(s.opts.FeeRate).RoundCeil(entities.LedgerScale)

	var fill *SpotFill
	err = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.checkSpotWallet(ctx, in.UserID, in.WalletID, base, quote); err != nil {
			return err
		}

		baseWallet, err := s.ledger.EnsureWallet(ctx, in.UserID, base, entities.WalletTypeSpot)
		if err != nil {
			return err
		}
		quoteWallet, err := s.ledger.EnsureWallet(ctx, in.UserID, quote, entities.WalletTypeSpot)
		if err != nil {
			return err
		}

		trade := &entities.Trade{
			UserID:      in.UserID,
			WalletID:    in.WalletID,
			Symbol:      base + quote,
			Side:        side,
			UnitAmount:  in.Units,
			IndexPrice:  in.IndexPrice,
			QuoteAmount: total,
			Fee:         fee,
		}
		if err = s.trades.InsertTrade(ctx, trade); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}

		legs := []Leg{
			{WalletID: quoteWallet.ID, Kind: entities.EntryKindTradeFill, Available: total.Neg()},
			{WalletID: baseWallet.ID, Kind: entities.EntryKindTradeFill, Available: in.Units},
		}
		if side == entities.TradeSideSell {
			legs = []Leg{
				{WalletID: baseWallet.ID, Kind: entities.EntryKindTradeFill, Available: in.Units.Neg()},
				{WalletID: quoteWallet.ID, Kind: entities.EntryKindTradeFill, Available: total},
			}
		}
		if fee.IsPositive() {
			legs = append(legs, Leg{WalletID: quoteWallet.ID, Kind: entities.EntryKindFee, Available: fee.Neg()})
		}

		posting, err := s.ledger.Post(ctx, entities.TradeReference(trade.ID), legs...)
		if err != nil {
			return err
		}

		fill = &SpotFill{
			Trade: trade,
			Base:  posting.Balance(baseWallet.ID),
			Quote: posting.Balance(quoteWallet.ID),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spot %s %s: %w", side, in.Symbol, err)
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	s.logger.Info("spot trade filled",
		"trade_id", fill.Trade.ID,
		"user_id", in.UserID,
		"symbol", fill.Trade.Symbol,
		"side", side,
		"units", in.Units.String(),
		"index_price", in.IndexPrice.String(),
		"fee", fee.String())

	return fill, nil
}

// checkSpotWallet verifies the wallet named by the caller is their own spot
// wallet in one of the pair's currencies.
func (s *TradingService) checkSpotWallet(ctx context.Context, userID, walletID int64, base, quote string) error {
	w, err := s.ledger.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if w.UserID != userID {
		return fmt.Errorf("wallet %d: %w", walletID, ports.ErrUnauthorized)
	}
	if w.Type != entities.WalletTypeSpot || (w.Currency != base && w.Currency != quote) {
		return fmt.Errorf("wallet %d is a %s %s wallet, want spot %s or %s: %w",
			walletID, w.Type, w.Currency, base, quote, ports.ErrInvalidInput)
	}
	return nil
}

// OpenFuture locks margin from a future wallet in the quote currency and
// opens a position of notional margin × leverage.
func (s *TradingService) OpenFuture(ctx context.Context, in OpenFutureInput) (*entities.FuturePosition, error) {
	if !in.Leverage.IsPositive() || in.Leverage.GreaterThan(s.opts.MaxLeverage) {
		return nil, fmt.Errorf("leverage %s outside (0, %s]: %w", in.Leverage, s.opts.MaxLeverage, ports.ErrInvalidLeverage)
	}
	if !entities.FitsScale(in.Leverage, entities.LeverageScale) {
		return nil, fmt.Errorf("leverage %s has more than %d decimal places: %w",
			in.Leverage, entities.LeverageScale, ports.ErrInvalidLeverage)
	}
	if in.Side != entities.PositionSideLong && in.Side != entities.PositionSideShort {
		return nil, fmt.Errorf("position side %q: %w", in.Side, ports.ErrInvalidInput)
	}
	base, quote, err := entities.ParseSymbol(in.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrInvalidInput, err)
	}
	if err = validateAmount(in.Margin); err != nil {
		return nil, err
	}
	if err = validateAmount(in.EntryPrice); err != nil {
		return nil, err
	}

	var position *entities.FuturePosition
	err = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		wallet, err := s.futureWallet(ctx, in.UserID, in.WalletID, quote)
		if err != nil {
			return err
		}

		position = &entities.FuturePosition{
			UserID:     in.UserID,
			WalletID:   wallet.ID,
			Symbol:     base + quote,
			Side:       in.Side,
			Margin:     in.Margin,
			EntryPrice: in.EntryPrice,
			Leverage:   in.Leverage,
			State:      entities.PositionStateOpen,
		}
		if err = s.positions.InsertPosition(ctx, position); err != nil {
			return fmt.Errorf("insert position: %w", err)
		}

		_, err = s.ledger.Lock(ctx, wallet.ID, in.Margin, entities.PositionReference(position.ID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", in.Side, in.Symbol, err)
	}

	metrics.PositionsTotal.WithLabelValues("open", string(in.Side)).Inc()
	s.logger.Info("future position opened",
		"position_id", position.ID,
		"user_id", in.UserID,
		"symbol", position.Symbol,
		"side", position.Side,
		"margin", position.Margin.String(),
		"leverage", position.Leverage.String(),
		"notional", position.Notional().String())

	return position, nil
}

func (s *TradingService) futureWallet(ctx context.Context, userID, walletID int64, quote string) (*entities.Wallet, error) {
	if walletID == 0 {
		return s.ledger.EnsureWallet(ctx, userID, quote, entities.WalletTypeFuture)
	}

	w, err := s.ledger.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, fmt.Errorf("wallet %d: %w", walletID, ports.ErrUnauthorized)
	}
	if w.Type != entities.WalletTypeFuture || w.Currency != quote {
		return nil, fmt.Errorf("wallet %d is a %s %s wallet, want future %s: %w",
			walletID, w.Type, w.Currency, quote, ports.ErrInvalidInput)
	}
	return w, nil
}

// CloseFuture settles a position at exitPrice: the margin is unlocked and
// the realized PnL, floored at -margin, is posted to the available balance.
func (s *TradingService) CloseFuture(ctx context.Context, positionID, userID int64, exitPrice decimal.Decimal) (*ClosedPosition, error) {
	if err := validateAmount(exitPrice); err != nil {
		return nil, err
	}

	var closed *ClosedPosition
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		position, err := s.positions.LockPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if position.UserID != userID {
			return ports.ErrUnauthorized
		}
		if position.State != entities.PositionStateOpen {
			return fmt.Errorf("position is %s: %w", position.State, ports.ErrInvalidState)
		}

		pnl := position.PnLAt(exitPrice)
		legs := []Leg{{
			WalletID:  position.WalletID,
			Kind:      entities.EntryKindUnlock,
			Available: position.Margin,
			Locked:    position.Margin.Neg(),
		}}
		if !pnl.IsZero() {
			legs = append(legs, Leg{WalletID: position.WalletID, Kind: entities.EntryKindTradeFill, Available: pnl})
		}

		posting, err := s.ledger.Post(ctx, entities.PositionReference(position.ID), legs...)
		if err != nil {
			return err
		}

		position.State = entities.PositionStateClosed
		position.ExitPrice = pointy.Pointer(exitPrice)
		position.RealizedPnL = pointy.Pointer(pnl)
		position.ClosedAt = pointy.Pointer(time.Now().UTC())
		if err = s.positions.ClosePosition(ctx, position); err != nil {
			return fmt.Errorf("close position: %w", err)
		}

		closed = &ClosedPosition{
			Position:    position,
			RealizedPnL: pnl,
			Payout:      position.Margin.Add(pnl),
			Balance:     posting.Balance(position.WalletID),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("close position %d: %w", positionID, err)
	}

	metrics.PositionsTotal.WithLabelValues("close", string(closed.Position.Side)).Inc()
	s.logger.Info("future position closed",
		"position_id", positionID,
		"user_id", userID,
		"exit_price", exitPrice.String(),
		"realized_pnl", closed.RealizedPnL.String())

	return closed, nil
}

func (s *TradingService) ListTrades(ctx context.Context, userID int64, symbol string, limit uint64) ([]entities.Trade, error) {
	return s.trades.FindUserTrades(ctx, userID, entities.NormalizeCurrency(symbol), clampLimit(limit))
}

// ListPositions returns the user's positions; an empty state returns all.
func (s *TradingService) ListPositions(ctx context.Context, userID int64, state entities.PositionState) ([]entities.FuturePosition, error) {
	return s.positions.FindUserPositions(ctx, userID, state)
}
