package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/pkg/database"
)

const (
	escrowColumns   = `order_id, wallet_id, amount, status, created_at, updated_at`
	findEscrowQuery = `SELECT ` + escrowColumns + ` FROM escrows WHERE order_id = $1`
	lockEscrowQuery = findEscrowQuery + ` FOR UPDATE`
)

type EscrowsRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewEscrowsRepository(logger *slog.Logger, pg *database.Postgres) *EscrowsRepository {
	return &EscrowsRepository{logger: logger, db: pg.DBGetter}
}

func (r *EscrowsRepository) InsertEscrow(ctx context.Context, escrow *entities.Escrow) error {
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO escrows (order_id, wallet_id, amount, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		escrow.OrderID, escrow.WalletID, escrow.Amount, escrow.Status,
	).Scan(&escrow.CreatedAt, &escrow.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("order %d: %w", escrow.OrderID, ports.ErrAlreadyEscrowed)
	}
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}

	return nil
}

// LockEscrow row-locks the order's escrow. Must run inside a transaction.
func (r *EscrowsRepository) LockEscrow(ctx context.Context, orderID int64) (*entities.Escrow, error) {
	return r.findEscrow(ctx, lockEscrowQuery, orderID)
}

func (r *EscrowsRepository) FindEscrow(ctx context.Context, orderID int64) (*entities.Escrow, error) {
	return r.findEscrow(ctx, findEscrowQuery, orderID)
}

func (r *EscrowsRepository) findEscrow(ctx context.Context, query string, orderID int64) (*entities.Escrow, error) {
	rows, err := r.db(ctx).Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query escrow: %w", err)
	}

	escrow, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[entities.Escrow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, ports.ErrEscrowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collect escrow row: %w", err)
	}

	return escrow, nil
}

func (r *EscrowsRepository) UpdateEscrowStatus(ctx context.Context, orderID int64, status entities.EscrowStatus) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE escrows SET status = $2, updated_at = NOW() WHERE order_id = $1`,
		orderID, status)
	if err != nil {
		return fmt.Errorf("failed to update escrow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", orderID, ports.ErrEscrowNotFound)
	}

	return nil
}
