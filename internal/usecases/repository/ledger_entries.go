package repository

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/pkg/database"
)

const ledgerEntryColumns = `id, wallet_id, posting_id, kind, available_delta, locked_delta, available_after, locked_after, reference, created_at`

// LedgerEntriesRepository appends and reads the immutable ledger.
type LedgerEntriesRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewLedgerEntriesRepository(logger *slog.Logger, pg *database.Postgres) *LedgerEntriesRepository {
	return &LedgerEntriesRepository{logger: logger, db: pg.DBGetter}
}

// InsertEntries writes all legs of a posting in one statement.
func (r *LedgerEntriesRepository) InsertEntries(ctx context.Context, entries []entities.LedgerEntry) ([]entities.LedgerEntry, error) {
	query, args, err := insertEntriesQuery(entries).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger insert: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entries: %w", err)
	}

	inserted, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.LedgerEntry])
	if err != nil {
		return nil, fmt.Errorf("failed to collect inserted ledger entries: %w", err)
	}

	return inserted, nil
}

// FindWalletEntries returns the newest entries of a wallet first.
func (r *LedgerEntriesRepository) FindWalletEntries(ctx context.Context, walletID int64, limit uint64) ([]entities.LedgerEntry, error) {
	query, args, err := walletEntriesQuery(walletID, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}

	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.LedgerEntry])
	if err != nil {
		r.logger.Error("failed to collect ledger entries rows", "error", err)
		return nil, fmt.Errorf("failed to collect ledger entries rows: %w", err)
	}

	return entries, nil
}

func insertEntriesQuery(entries []entities.LedgerEntry) sq.InsertBuilder {
	insert := psql.Insert("ledger_entries").
		Columns("wallet_id", "posting_id", "kind", "available_delta", "locked_delta",
			"available_after", "locked_after", "reference").
		Suffix("RETURNING " + ledgerEntryColumns)
	for _, e := range entries {
		insert = insert.Values(e.WalletID, e.PostingID, e.Kind, e.AvailableDelta, e.LockedDelta,
			e.AvailableAfter, e.LockedAfter, e.Reference)
	}
	return insert
}

func walletEntriesQuery(walletID int64, limit uint64) sq.SelectBuilder {
	return psql.Select(ledgerEntryColumns).
		From("ledger_entries").
		Where(sq.Eq{"wallet_id": walletID}).
		OrderBy("id DESC").
		Limit(limit)
}

// SumWalletEntries replays the deltas of a wallet.
func (r *LedgerEntriesRepository) SumWalletEntries(ctx context.Context, walletID int64) (available, locked decimal.Decimal, err error) {
	err = r.db(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(available_delta), 0), COALESCE(SUM(locked_delta), 0)
		 FROM ledger_entries
		 WHERE wallet_id = $1`, walletID).Scan(&available, &locked)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to sum ledger entries: %w", err)
	}

	return available, locked, nil
}
