package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/maps"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
	"github.com/sand/crypto-p2p-exchange/backend/internal/metrics"
)

// Transactor runs fn inside a storage transaction carried by ctx. A nested
// call joins the outer transaction.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type WalletsRepository interface {
	// EnsureWallet returns the wallet for the tuple, creating an empty one on first use.
	EnsureWallet(ctx context.Context, userID int64, currency string, walletType entities.WalletType) (*entities.Wallet, error)
	FindWallet(ctx context.Context, id int64) (*entities.Wallet, error)
	FindUserWallets(ctx context.Context, userID int64) ([]entities.Wallet, error)
	FindAllWallets(ctx context.Context) ([]entities.Wallet, error)
	// LockWallets takes an exclusive lock on every wallet in ascending id
	// order and holds it until the surrounding transaction ends.
	LockWallets(ctx context.Context, ids []int64) (map[int64]*entities.Wallet, error)
	UpdateBalances(ctx context.Context, wallet *entities.Wallet) error
}

type LedgerRepository interface {
	InsertEntries(ctx context.Context, entries []entities.LedgerEntry) ([]entities.LedgerEntry, error)
	// FindWalletEntries returns the newest entries first.
	FindWalletEntries(ctx context.Context, walletID int64, limit uint64) ([]entities.LedgerEntry, error)
	SumWalletEntries(ctx context.Context, walletID int64) (available, locked decimal.Decimal, err error)
}

// Leg is one balance change of a posting.
type Leg struct {
	WalletID  int64
	Kind      entities.EntryKind
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Posting is the committed result of LedgerService.Post.
type Posting struct {
	ID       uuid.UUID
	Entries  []entities.LedgerEntry
	Balances map[int64]entities.BalanceSnapshot
}

// Balance returns the post-commit snapshot of a wallet touched by the posting.
func (p Posting) Balance(walletID int64) entities.BalanceSnapshot {
	return p.Balances[walletID]
}

// ReconcileReport compares a wallet's stored buckets with its entry replay.
type ReconcileReport struct {
	WalletID          int64           `json:"wallet_id"`
	Available         decimal.Decimal `json:"available_balance"`
	Locked            decimal.Decimal `json:"locked_balance"`
	ReplayedAvailable decimal.Decimal `json:"replayed_available"`
	ReplayedLocked    decimal.Decimal `json:"replayed_locked"`
}

func (r ReconcileReport) Balanced() bool {
	return r.Available.Equal(r.ReplayedAvailable) && r.Locked.Equal(r.ReplayedLocked)
}

// LedgerService is the only component allowed to change wallet balances.
type LedgerService struct {
	logger     *slog.Logger
	transactor Transactor
	wallets    WalletsRepository
	entries    LedgerRepository
}

func NewLedgerService(logger *slog.Logger, transactor Transactor, wallets WalletsRepository, entries LedgerRepository) *LedgerService {
	return &LedgerService{
		logger:     logger,
		transactor: withCommitHooks(transactor),
		wallets:    wallets,
		entries:    entries,
	}
}

// Post applies legs atomically. Every wallet of the posting is locked once,
// in ascending id order, for the whole transaction. The available bucket
// going negative fails with ErrInsufficientFunds, the locked bucket with
// ErrInvalidState; either way nothing is written.
func (s *LedgerService) Post(ctx context.Context, reference string, legs ...Leg) (*Posting, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("empty posting: %w", ports.ErrInvalidInput)
	}
	for _, leg := range legs {
		if !entities.FitsScale(leg.Available, entities.LedgerScale) || !entities.FitsScale(leg.Locked, entities.LedgerScale) {
			return nil, fmt.Errorf("%s leg on wallet %d exceeds %d decimal places: %w",
				leg.Kind, leg.WalletID, entities.LedgerScale, ports.ErrInvalidAmount)
		}
	}

	start := time.Now()
	var posting *Posting
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		touched := make(map[int64]struct{}, len(legs))
		for _, leg := range legs {
			touched[leg.WalletID] = struct{}{}
		}
		ids := maps.Keys(touched)
		slices.Sort(ids)

		wallets, err := s.wallets.LockWallets(ctx, ids)
		if err != nil {
			return fmt.Errorf("lock wallets %v: %w", ids, err)
		}

		postingID := uuid.New()
		entries := make([]entities.LedgerEntry, 0, len(legs))
		for _, leg := range legs {
			w := wallets[leg.WalletID]
			w.Available = w.Available.Add(leg.Available)
			w.Locked = w.Locked.Add(leg.Locked)

			if w.Available.IsNegative() {
				return fmt.Errorf("%s on wallet %d short by %s: %w",
					leg.Kind, w.ID, w.Available.Neg().String(), ports.ErrInsufficientFunds)
			}
			if w.Locked.IsNegative() {
				return fmt.Errorf("%s on wallet %d exceeds locked balance by %s: %w",
					leg.Kind, w.ID, w.Locked.Neg().String(), ports.ErrInvalidState)
			}

			entries = append(entries, entities.LedgerEntry{
				WalletID:       w.ID,
				PostingID:      postingID,
				Kind:           leg.Kind,
				AvailableDelta: leg.Available,
				LockedDelta:    leg.Locked,
				AvailableAfter: w.Available,
				LockedAfter:    w.Locked,
				Reference:      reference,
			})
		}

		balances := make(map[int64]entities.BalanceSnapshot, len(ids))
		for _, id := range ids {
			if err = s.wallets.UpdateBalances(ctx, wallets[id]); err != nil {
				return fmt.Errorf("update wallet %d: %w", id, err)
			}
			balances[id] = wallets[id].Snapshot()
		}

		inserted, err := s.entries.InsertEntries(ctx, entries)
		if err != nil {
			return fmt.Errorf("insert ledger entries: %w", err)
		}

		posting = &Posting{ID: postingID, Entries: inserted, Balances: balances}
		return nil
	})
	if err != nil {
		metrics.PostingFailures.WithLabelValues(ports.Code(err)).Inc()
		return nil, err
	}

	elapsed := time.Since(start)
	afterCommit(ctx, func() {
		metrics.PostingLatency.Observe(elapsed.Seconds())
		for _, e := range posting.Entries {
			metrics.LedgerEntriesTotal.WithLabelValues(string(e.Kind)).Inc()
		}
		s.logger.Debug("ledger posting committed",
			"posting_id", posting.ID,
			"reference", reference,
			"legs", len(legs))
	})

	return posting, nil
}

// Credit increases the available balance.
func (s *LedgerService) Credit(ctx context.Context, walletID int64, amount decimal.Decimal, reference string) (entities.BalanceSnapshot, error) {
	if err := validateAmount(amount); err != nil {
		return entities.BalanceSnapshot{}, err
	}
	posting, err := s.Post(ctx, reference, Leg{WalletID: walletID, Kind: entities.EntryKindDeposit, Available: amount})
	if err != nil {
		return entities.BalanceSnapshot{}, fmt.Errorf("credit wallet %d: %w", walletID, err)
	}
	return posting.Balance(walletID), nil
}

// Debit decreases the available balance.
func (s *LedgerService) Debit(ctx context.Context, walletID int64, amount decimal.Decimal, reference string) (entities.BalanceSnapshot, error) {
	if err := validateAmount(amount); err != nil {
		return entities.BalanceSnapshot{}, err
	}
	posting, err := s.Post(ctx, reference, Leg{WalletID: walletID, Kind: entities.EntryKindWithdraw, Available: amount.Neg()})
	if err != nil {
		return entities.BalanceSnapshot{}, fmt.Errorf("debit wallet %d: %w", walletID, err)
	}
	return posting.Balance(walletID), nil
}

// Lock moves amount from available to locked.
func (s *LedgerService) Lock(ctx context.Context, walletID int64, amount decimal.Decimal, reference string) (entities.BalanceSnapshot, error) {
	if err := validateAmount(amount); err != nil {
		return entities.BalanceSnapshot{}, err
	}
	posting, err := s.Post(ctx, reference, Leg{
		WalletID:  walletID,
		Kind:      entities.EntryKindLock,
		Available: amount.Neg(),
		Locked:    amount,
	})
	if err != nil {
		return entities.BalanceSnapshot{}, fmt.Errorf("lock %s on wallet %d: %w", amount, walletID, err)
	}
	return posting.Balance(walletID), nil
}

// Unlock moves amount from locked back to available.
func (s *LedgerService) Unlock(ctx context.Context, walletID int64, amount decimal.Decimal, reference string) (entities.BalanceSnapshot, error) {
	if err := validateAmount(amount); err != nil {
		return entities.BalanceSnapshot{}, err
	}
	posting, err := s.Post(ctx, reference, Leg{
		WalletID:  walletID,
		Kind:      entities.EntryKindUnlock,
		Available: amount,
		Locked:    amount.Neg(),
	})
	if err != nil {
		return entities.BalanceSnapshot{}, fmt.Errorf("unlock %s on wallet %d: %w", amount, walletID, err)
	}
	return posting.Balance(walletID), nil
}

// Transfer moves available funds between two wallets of the same currency.
func (s *LedgerService) Transfer(ctx context.Context, fromWalletID, toWalletID int64, amount decimal.Decimal, reference string) (from, to entities.BalanceSnapshot, err error) {
	if err = validateAmount(amount); err != nil {
		return from, to, err
	}
	if fromWalletID == toWalletID {
		return from, to, fmt.Errorf("transfer to the same wallet %d: %w", fromWalletID, ports.ErrInvalidInput)
	}

	err = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		posting, err := s.Post(ctx, reference,
			Leg{WalletID: fromWalletID, Kind: entities.EntryKindTransferOut, Available: amount.Neg()},
			Leg{WalletID: toWalletID, Kind: entities.EntryKindTransferIn, Available: amount},
		)
		if err != nil {
			return err
		}

		from, to = posting.Balance(fromWalletID), posting.Balance(toWalletID)
		if from.Currency != to.Currency {
			return fmt.Errorf("currency mismatch %s -> %s: %w", from.Currency, to.Currency, ports.ErrInvalidInput)
		}
		return nil
	})
	if err != nil {
		return entities.BalanceSnapshot{}, entities.BalanceSnapshot{},
			fmt.Errorf("transfer wallet %d -> %d: %w", fromWalletID, toWalletID, err)
	}

	return from, to, nil
}

// TransferBetweenTypes moves funds between the caller's own spot and future
// wallets of one currency, creating the destination wallet on first use.
func (s *LedgerService) TransferBetweenTypes(ctx context.Context, userID int64, currency string, fromType, toType entities.WalletType, amount decimal.Decimal) (from, to entities.BalanceSnapshot, err error) {
	if fromType == toType {
		return from, to, fmt.Errorf("transfer %s -> %s: %w", fromType, toType, ports.ErrInvalidInput)
	}
	currency = entities.NormalizeCurrency(currency)
	if currency == "" {
		currency = ports.DefaultTransferCurrency
	}

	err = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		src, err := s.wallets.EnsureWallet(ctx, userID, currency, fromType)
		if err != nil {
			return err
		}
		dst, err := s.wallets.EnsureWallet(ctx, userID, currency, toType)
		if err != nil {
			return err
		}

		from, to, err = s.Transfer(ctx, src.ID, dst.ID, amount, fmt.Sprintf("wallet_transfer:%s->%s", fromType, toType))
		return err
	})
	if err != nil {
		return entities.BalanceSnapshot{}, entities.BalanceSnapshot{}, err
	}

	s.logger.Info("internal wallet transfer",
		"user_id", userID,
		"currency", currency,
		"from", fromType,
		"to", toType,
		"amount", amount.String())

	return from, to, nil
}

// Deposit credits simulated funds to the user's wallet for the tuple.
func (s *LedgerService) Deposit(ctx context.Context, userID int64, currency string, walletType entities.WalletType, amount decimal.Decimal) (entities.BalanceSnapshot, error) {
	currency = entities.NormalizeCurrency(currency)
	if currency == "" {
		return entities.BalanceSnapshot{}, fmt.Errorf("empty currency: %w", ports.ErrInvalidInput)
	}

	var snapshot entities.BalanceSnapshot
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		w, err := s.wallets.EnsureWallet(ctx, userID, currency, walletType)
		if err != nil {
			return err
		}
		snapshot, err = s.Credit(ctx, w.ID, amount, fmt.Sprintf("deposit:user:%d", userID))
		return err
	})
	if err != nil {
		return entities.BalanceSnapshot{}, err
	}

	return snapshot, nil
}

func (s *LedgerService) EnsureWallet(ctx context.Context, userID int64, currency string, walletType entities.WalletType) (*entities.Wallet, error) {
	currency = entities.NormalizeCurrency(currency)
	if currency == "" {
		return nil, fmt.Errorf("empty currency: %w", ports.ErrInvalidInput)
	}
	return s.wallets.EnsureWallet(ctx, userID, currency, walletType)
}

func (s *LedgerService) GetWallet(ctx context.Context, walletID int64) (*entities.Wallet, error) {
	return s.wallets.FindWallet(ctx, walletID)
}

func (s *LedgerService) UserWallets(ctx context.Context, userID int64) ([]entities.Wallet, error) {
	return s.wallets.FindUserWallets(ctx, userID)
}

// WalletEntries returns the caller's wallet history, newest first.
func (s *LedgerService) WalletEntries(ctx context.Context, userID, walletID int64, limit uint64) ([]entities.LedgerEntry, error) {
	w, err := s.wallets.FindWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, fmt.Errorf("wallet %d: %w", walletID, ports.ErrUnauthorized)
	}

	return s.entries.FindWalletEntries(ctx, walletID, clampLimit(limit))
}

// clampLimit applies the default page size to 0 and caps larger pages.
func clampLimit(limit uint64) uint64 {
	switch {
	case limit == 0:
		return ports.DefaultEntriesLimit
	case limit > ports.MaxEntriesLimit:
		return ports.MaxEntriesLimit
	}
	return limit
}

// Reconcile replays the wallet's entries under its lock and compares the
// result with the stored buckets.
func (s *LedgerService) Reconcile(ctx context.Context, walletID int64) (ReconcileReport, error) {
	var report ReconcileReport
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		wallets, err := s.wallets.LockWallets(ctx, []int64{walletID})
		if err != nil {
			return err
		}
		available, locked, err := s.entries.SumWalletEntries(ctx, walletID)
		if err != nil {
			return fmt.Errorf("sum entries of wallet %d: %w", walletID, err)
		}

		w := wallets[walletID]
		report = ReconcileReport{
			WalletID:          walletID,
			Available:         w.Available,
			Locked:            w.Locked,
			ReplayedAvailable: available,
			ReplayedLocked:    locked,
		}
		return nil
	})
	return report, err
}

// ReconcileAll checks every wallet and returns the ones that do not balance.
// A wallet that fails to load is logged and skipped.
func (s *LedgerService) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	wallets, err := s.wallets.FindAllWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	var mismatches []ReconcileReport
	for _, w := range wallets {
		if ctx.Err() != nil {
			return mismatches, ctx.Err()
		}

		report, err := s.Reconcile(ctx, w.ID)
		if err != nil {
			s.logger.Error("failed to reconcile wallet", "wallet_id", w.ID, "error", err)
			continue
		}
		if !report.Balanced() {
			mismatches = append(mismatches, report)
		}
	}

	return mismatches, nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount %s must be positive: %w", amount.String(), ports.ErrInvalidAmount)
	}
	if !entities.FitsScale(amount, entities.LedgerScale) {
		return fmt.Errorf("amount %s has more than %d decimal places: %w",
			amount.String(), entities.LedgerScale, ports.ErrInvalidAmount)
	}
	return nil
}
