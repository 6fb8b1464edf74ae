package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/pkg/database"
)

const (
	orderColumns   = `id, order_type, taker_id, merchant_id, asset, fiat_currency, fiat_amount, crypto_amount, unit_price, state, created_at, updated_at`
	findOrderQuery = `SELECT ` + orderColumns + ` FROM p2p_orders WHERE id = $1`
	lockOrderQuery = findOrderQuery + ` FOR UPDATE`
)

type OrdersRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewOrdersRepository(logger *slog.Logger, pg *database.Postgres) *OrdersRepository {
	return &OrdersRepository{logger: logger, db: pg.DBGetter}
}

func (r *OrdersRepository) InsertOrder(ctx context.Context, order *entities.P2POrder) error {
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO p2p_orders (order_type, taker_id, merchant_id, asset, fiat_currency, fiat_amount, crypto_amount, unit_price, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		order.Type, order.TakerID, order.MerchantID, order.Asset, order.FiatCurrency,
		order.FiatAmount, order.CryptoAmount, order.UnitPrice, order.State,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return nil
}

func (r *OrdersRepository) FindOrder(ctx context.Context, id int64) (*entities.P2POrder, error) {
	return r.findOrder(ctx, findOrderQuery, id)
}

// LockOrder row-locks the order. Must run inside a transaction.
func (r *OrdersRepository) LockOrder(ctx context.Context, id int64) (*entities.P2POrder, error) {
	return r.findOrder(ctx, lockOrderQuery, id)
}

func (r *OrdersRepository) findOrder(ctx context.Context, query string, id int64) (*entities.P2POrder, error) {
	rows, err := r.db(ctx).Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	order, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[entities.P2POrder])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ports.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collect order row: %w", err)
	}

	return order, nil
}

func (r *OrdersRepository) UpdateOrder(ctx context.Context, order *entities.P2POrder) error {
	err := r.db(ctx).QueryRow(ctx,
		`UPDATE p2p_orders
		 SET state = $2, fiat_amount = $3, unit_price = $4, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		order.ID, order.State, order.FiatAmount, order.UnitPrice,
	).Scan(&order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %d: %w", order.ID, ports.ErrOrderNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}

	return nil
}

// FindUserOrders returns orders where the user is taker or merchant, newest first.
func (r *OrdersRepository) FindUserOrders(ctx context.Context, userID int64, states []entities.OrderState) ([]entities.P2POrder, error) {
	query, args, err := userOrdersQuery(userID, states).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build orders query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user orders: %w", err)
	}

	orders, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.P2POrder])
	if err != nil {
		r.logger.Error("failed to collect orders rows", "error", err)
		return nil, fmt.Errorf("failed to collect orders rows: %w", err)
	}

	return orders, nil
}

func userOrdersQuery(userID int64, states []entities.OrderState) sq.SelectBuilder {
	builder := psql.Select(orderColumns).
		From("p2p_orders").
		Where(sq.Or{sq.Eq{"taker_id": userID}, sq.Eq{"merchant_id": userID}}).
		OrderBy("id DESC")
	if len(states) > 0 {
		builder = builder.Where(sq.Eq{"state": states})
	}
	return builder
}

// FindStaleOrders returns ids of orders in state not updated since updatedBefore.
func (r *OrdersRepository) FindStaleOrders(ctx context.Context, state entities.OrderState, updatedBefore time.Time) ([]int64, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id FROM p2p_orders WHERE state = $1 AND updated_at < $2 ORDER BY id`,
		state, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale orders: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to collect stale order ids: %w", err)
	}

	return ids, nil
}
