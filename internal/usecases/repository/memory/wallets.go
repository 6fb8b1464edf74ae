package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
)

// EnsureWallet creates wallets eagerly; a created wallet survives a rollback,
// the same way a concurrent insert would in the database.
func (s *Store) EnsureWallet(_ context.Context, userID int64, currency string, walletType entities.WalletType) (*entities.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := walletKey{userID: userID, currency: currency, typ: walletType}
	if id, ok := s.walletIndex[key]; ok {
		w := *s.wallets[id]
		return &w, nil
	}

	s.seq.wallet++
	now := s.now()
	w := &entities.Wallet{
		ID:        s.seq.wallet,
		UserID:    userID,
		Currency:  currency,
		Type:      walletType,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.wallets[w.ID] = w
	s.walletIndex[key] = w.ID

	copied := *w
	return &copied, nil
}

func (s *Store) FindWallet(_ context.Context, id int64) (*entities.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %d: %w", id, ports.ErrWalletNotFound)
	}
	copied := *w
	return &copied, nil
}

func (s *Store) FindUserWallets(_ context.Context, userID int64) ([]entities.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wallets []entities.Wallet
	for _, w := range s.wallets {
		if w.UserID == userID {
			wallets = append(wallets, *w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].ID < wallets[j].ID })
	return wallets, nil
}

func (s *Store) FindAllWallets(_ context.Context) ([]entities.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallets := make([]entities.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		wallets = append(wallets, *w)
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].ID < wallets[j].ID })
	return wallets, nil
}

func (s *Store) LockWallets(ctx context.Context, ids []int64) (map[int64]*entities.Wallet, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for _, id := range sorted {
		if err := s.lock(ctx, walletLock(id)); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	locked := make(map[int64]*entities.Wallet, len(sorted))
	for _, id := range sorted {
		w, ok := s.wallets[id]
		if !ok {
			return nil, fmt.Errorf("wallet %d: %w", id, ports.ErrWalletNotFound)
		}
		copied := *w
		locked[id] = &copied
	}
	return locked, nil
}

func (s *Store) UpdateBalances(ctx context.Context, wallet *entities.Wallet) error {
	if !s.holds(ctx, walletLock(wallet.ID)) {
		return fmt.Errorf("memory: wallet %d updated without its lock", wallet.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[wallet.ID]
	if !ok {
		return fmt.Errorf("wallet %d: %w", wallet.ID, ports.ErrWalletNotFound)
	}

	prev := *w
	s.onRollback(ctx, func() { *w = prev })

	w.Available = wallet.Available
	w.Locked = wallet.Locked
	w.UpdatedAt = s.now()
	wallet.UpdatedAt = w.UpdatedAt
	return nil
}

func (s *Store) InsertEntries(ctx context.Context, entries []entities.LedgerEntry) ([]entities.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]entities.LedgerEntry, len(entries))
	now := s.now()
	for i, e := range entries {
		s.seq.entry++
		e.ID = s.seq.entry
		e.CreatedAt = now
		s.entries = append(s.entries, e)
		inserted[i] = e

		id := e.ID
		s.onRollback(ctx, func() {
			s.entries = removeByID(s.entries, func(e entities.LedgerEntry) int64 { return e.ID }, id)
		})
	}
	return inserted, nil
}

func (s *Store) FindWalletEntries(_ context.Context, walletID int64, limit uint64) ([]entities.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []entities.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].WalletID == walletID {
			entries = append(entries, s.entries[i])
		}
	}
	return limitSlice(entries, limit), nil
}

func (s *Store) SumWalletEntries(_ context.Context, walletID int64) (available, locked decimal.Decimal, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.WalletID == walletID {
			available = available.Add(e.AvailableDelta)
			locked = locked.Add(e.LockedDelta)
		}
	}
	return available, locked, nil
}
