package repository

import (
	"context"
	"fmt"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/pkg/database"
)

const bankTransferColumns = `id, order_id, from_account, to_account, amount, currency, initiated_by, recorded_at`

// BankTransfersRepository is append-only: there is no update or delete.
type BankTransfersRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewBankTransfersRepository(logger *slog.Logger, pg *database.Postgres) *BankTransfersRepository {
	return &BankTransfersRepository{logger: logger, db: pg.DBGetter}
}

func (r *BankTransfersRepository) InsertBankTransfer(ctx context.Context, record *entities.BankTransferRecord) error {
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO bank_transfers (order_id, from_account, to_account, amount, currency, initiated_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, recorded_at`,
		record.OrderID, record.FromAccount, record.ToAccount, record.Amount, record.Currency, record.InitiatedBy,
	).Scan(&record.ID, &record.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bank transfer: %w", err)
	}

	return nil
}

func (r *BankTransfersRepository) FindOrderTransfers(ctx context.Context, orderID int64) ([]entities.BankTransferRecord, error) {
	return r.find(ctx, `SELECT `+bankTransferColumns+` FROM bank_transfers WHERE order_id = $1 ORDER BY id`, orderID)
}

func (r *BankTransfersRepository) FindAccountTransfers(ctx context.Context, account string) ([]entities.BankTransferRecord, error) {
	return r.find(ctx,
		`SELECT `+bankTransferColumns+` FROM bank_transfers WHERE from_account = $1 OR to_account = $1 ORDER BY id`,
		account)
}

func (r *BankTransfersRepository) find(ctx context.Context, query string, arg any) ([]entities.BankTransferRecord, error) {
	rows, err := r.db(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query bank transfers: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.BankTransferRecord])
	if err != nil {
		r.logger.Error("failed to collect bank transfers rows", "error", err)
		return nil, fmt.Errorf("failed to collect bank transfers rows: %w", err)
	}

	return records, nil
}
