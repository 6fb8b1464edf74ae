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

const walletColumns = `id, user_id, currency, wallet_type, available_balance, locked_balance, created_at, updated_at`

// lockWalletsQuery takes the row locks in id order so concurrent postings
// over overlapping wallets cannot deadlock.
const lockWalletsQuery = `SELECT ` + walletColumns + ` FROM wallets WHERE id = ANY($1) ORDER BY id FOR UPDATE`

// WalletsRepository stores per-user, per-currency, per-type balances.
type WalletsRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

// NewWalletsRepository creates a new wallet repository.
func NewWalletsRepository(logger *slog.Logger, pg *database.Postgres) *WalletsRepository {
	return &WalletsRepository{
		logger: logger,
		db:     pg.DBGetter,
	}
}

// EnsureWallet returns the wallet for the tuple, creating it on first use.
func (r *WalletsRepository) EnsureWallet(ctx context.Context, userID int64, currency string, walletType entities.WalletType) (*entities.Wallet, error) {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO wallets (user_id, currency, wallet_type)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, currency, wallet_type) DO NOTHING`,
		userID, currency, walletType)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+walletColumns+` FROM wallets
		 WHERE user_id = $1 AND currency = $2 AND wallet_type = $3`,
		userID, currency, walletType)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet: %w", err)
	}

	wallet, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[entities.Wallet])
	if err != nil {
		return nil, fmt.Errorf("failed to collect wallet row: %w", err)
	}

	return wallet, nil
}

// FindWallet retrieves a wallet by its id.
func (r *WalletsRepository) FindWallet(ctx context.Context, id int64) (*entities.Wallet, error) {
	rows, err := r.db(ctx).Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet by id: %w", err)
	}

	wallet, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[entities.Wallet])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wallet %d: %w", id, ports.ErrWalletNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collect wallet row: %w", err)
	}

	return wallet, nil
}

// FindUserWallets retrieves all wallets of a user.
func (r *WalletsRepository) FindUserWallets(ctx context.Context, userID int64) ([]entities.Wallet, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets by user id: %w", err)
	}

	wallets, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Wallet])
	if err != nil {
		r.logger.Error("failed to collect user wallets rows", "error", err)
		return nil, fmt.Errorf("failed to collect user wallets rows: %w", err)
	}

	return wallets, nil
}

// FindAllWallets retrieves every wallet, used by reconciliation.
func (r *WalletsRepository) FindAllWallets(ctx context.Context) ([]entities.Wallet, error) {
	rows, err := r.db(ctx).Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}

	wallets, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Wallet])
	if err != nil {
		r.logger.Error("failed to collect wallets rows", "error", err)
		return nil, fmt.Errorf("failed to collect wallets rows: %w", err)
	}

	return wallets, nil
}

// LockWallets row-locks the wallets in ascending id order. Must run inside a transaction.
func (r *WalletsRepository) LockWallets(ctx context.Context, ids []int64) (map[int64]*entities.Wallet, error) {
	rows, err := r.db(ctx).Query(ctx, lockWalletsQuery, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallets: %w", err)
	}

	wallets, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[entities.Wallet])
	if err != nil {
		return nil, fmt.Errorf("failed to collect locked wallets rows: %w", err)
	}

	locked := make(map[int64]*entities.Wallet, len(wallets))
	for _, w := range wallets {
		locked[w.ID] = w
	}
	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			return nil, fmt.Errorf("wallet %d: %w", id, ports.ErrWalletNotFound)
		}
	}

	return locked, nil
}

// UpdateBalances writes both buckets of a locked wallet.
func (r *WalletsRepository) UpdateBalances(ctx context.Context, wallet *entities.Wallet) error {
	err := r.db(ctx).QueryRow(ctx,
		`UPDATE wallets
		 SET available_balance = $2, locked_balance = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		wallet.ID, wallet.Available, wallet.Locked).Scan(&wallet.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("wallet %d: %w", wallet.ID, ports.ErrWalletNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update wallet balances: %w", err)
	}

	return nil
}
