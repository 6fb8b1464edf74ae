package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/pkg/database"
)

const (
	tradeColumns    = `id, user_id, wallet_id, symbol, side, unit_amount, index_price, quote_amount, fee, created_at`
	positionColumns = `id, user_id, wallet_id, symbol, side, margin, entry_price, leverage, state, exit_price, realized_pnl, opened_at, closed_at`

	lockPositionQuery = `SELECT ` + positionColumns + ` FROM future_positions WHERE id = $1 FOR UPDATE`
)

// TradingRepository stores spot trades and futures positions.
type TradingRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewTradingRepository(logger *slog.Logger, pg *database.Postgres) *TradingRepository {
	return &TradingRepository{logger: logger, db: pg.DBGetter}
}

func (r *TradingRepository) InsertTrade(ctx context.Context, trade *entities.Trade) error {
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO trades (user_id, wallet_id, symbol, side, unit_amount, index_price, quote_amount, fee)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		trade.UserID, trade.WalletID, trade.Symbol, trade.Side,
		trade.UnitAmount, trade.IndexPrice, trade.QuoteAmount, trade.Fee,
	).Scan(&trade.ID, &trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	return nil
}

func (r *TradingRepository) FindUserTrades(ctx context.Context, userID int64, symbol string, limit uint64) ([]entities.Trade, error) {
	query, args, err := userTradesQuery(userID, symbol, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build trades query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}

	trades, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Trade])
	if err != nil {
		r.logger.Error("failed to collect trades rows", "error", err)
		return nil, fmt.Errorf("failed to collect trades rows: %w", err)
	}

	return trades, nil
}

func (r *TradingRepository) InsertPosition(ctx context.Context, position *entities.FuturePosition) error {
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO future_positions (user_id, wallet_id, symbol, side, margin, entry_price, leverage, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, opened_at`,
		position.UserID, position.WalletID, position.Symbol, position.Side,
		position.Margin, position.EntryPrice, position.Leverage, position.State,
	).Scan(&position.ID, &position.OpenedAt)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}

	return nil
}

// LockPosition row-locks the position. Must run inside a transaction.
func (r *TradingRepository) LockPosition(ctx context.Context, id int64) (*entities.FuturePosition, error) {
	rows, err := r.db(ctx).Query(ctx, lockPositionQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}

	position, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[entities.FuturePosition])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %d: %w", id, ports.ErrPositionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collect position row: %w", err)
	}

	return position, nil
}

func (r *TradingRepository) ClosePosition(ctx context.Context, position *entities.FuturePosition) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE future_positions
		 SET state = $2, exit_price = $3, realized_pnl = $4, closed_at = $5
		 WHERE id = $1`,
		position.ID, position.State, position.ExitPrice, position.RealizedPnL, position.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d: %w", position.ID, ports.ErrPositionNotFound)
	}

	return nil
}

func (r *TradingRepository) FindUserPositions(ctx context.Context, userID int64, state entities.PositionState) ([]entities.FuturePosition, error) {
	query, args, err := userPositionsQuery(userID, state).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build positions query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}

	positions, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.FuturePosition])
	if err != nil {
		r.logger.Error("failed to collect positions rows", "error", err)
		return nil, fmt.Errorf("failed to collect positions rows: %w", err)
	}

	return positions, nil
}

func userTradesQuery(userID int64, symbol string, limit uint64) sq.SelectBuilder {
	builder := psql.Select(tradeColumns).
		From("trades").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("id DESC").
		Limit(limit)
	if symbol != "" {
		builder = builder.Where(sq.Eq{"symbol": symbol})
	}
	return builder
}

func userPositionsQuery(userID int64, state entities.PositionState) sq.SelectBuilder {
	builder := psql.Select(positionColumns).
		From("future_positions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("id DESC")
	if state != "" {
		builder = builder.Where(sq.Eq{"state": state})
	}
	return builder
}
