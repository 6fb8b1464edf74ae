// Package memory implements every settlement repository and the transactor
// in process. It backs the tests and the no-database development mode.
//
// Row locks are keyed mutexes held by the transaction carried in the
// context until it ends. Writes record an undo step that runs on rollback.
// Reads do not take locks and may observe uncommitted writes.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
)

type walletKey struct {
	userID   int64
	currency string
	typ      entities.WalletType
}

// Store is a single in-memory database.
type Store struct {
	mu sync.Mutex

	rowLocks map[string]*sync.Mutex

	wallets     map[int64]*entities.Wallet
	walletIndex map[walletKey]int64
	entries     []entities.LedgerEntry
	orders      map[int64]*entities.P2POrder
	escrows     map[int64]*entities.Escrow
	transfers   []entities.BankTransferRecord
	trades      []entities.Trade
	positions   map[int64]*entities.FuturePosition

	seq struct {
		wallet, entry, order, transfer, trade, position int64
	}

	now func() time.Time
}

type Option func(*Store)

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		rowLocks:    make(map[string]*sync.Mutex),
		wallets:     make(map[int64]*entities.Wallet),
		walletIndex: make(map[walletKey]int64),
		orders:      make(map[int64]*entities.P2POrder),
		escrows:     make(map[int64]*entities.Escrow),
		positions:   make(map[int64]*entities.FuturePosition),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type txKey struct{}

type txState struct {
	held  map[string]*sync.Mutex
	order []string
	undo  []func()
}

// WithinTransaction runs fn in a transaction. A nested call joins the outer
// transaction and, like a savepoint, undoes only its own writes on error.
// Locks are released when the outermost call returns.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if tx, ok := ctx.Value(txKey{}).(*txState); ok {
		mark := len(tx.undo)
		if err = fn(ctx); err != nil {
			s.rollback(tx, mark)
		}
		return err
	}

	tx := &txState{held: make(map[string]*sync.Mutex)}
	defer func() {
		if p := recover(); p != nil {
			s.rollback(tx, 0)
			s.release(tx)
			panic(p)
		}
		if err != nil {
			s.rollback(tx, 0)
		}
		s.release(tx)
	}()

	return fn(context.WithValue(ctx, txKey{}, tx))
}

func (s *Store) rollback(tx *txState, mark int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(tx.undo) - 1; i >= mark; i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:mark]
}

func (s *Store) release(tx *txState) {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.held[tx.order[i]].Unlock()
	}
	tx.held, tx.order = nil, nil
}

// lock acquires the row lock for key on behalf of the transaction in ctx.
// Locks are reentrant within one transaction.
func (s *Store) lock(ctx context.Context, key string) error {
	tx, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return fmt.Errorf("memory: lock %s outside of a transaction", key)
	}
	if _, held := tx.held[key]; held {
		return nil
	}

	s.mu.Lock()
	m, ok := s.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	tx.held[key] = m
	tx.order = append(tx.order, key)
	return nil
}

func (s *Store) holds(ctx context.Context, key string) bool {
	tx, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return false
	}
	_, held := tx.held[key]
	return held
}

// onRollback registers an undo step. It must be called with s.mu held.
// Outside a transaction writes are final.
func (s *Store) onRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(txKey{}).(*txState); ok {
		tx.undo = append(tx.undo, undo)
	}
}

func walletLock(id int64) string   { return fmt.Sprintf("wallet:%d", id) }
func orderLock(id int64) string    { return fmt.Sprintf("order:%d", id) }
func escrowLock(id int64) string   { return fmt.Sprintf("escrow:%d", id) }
func positionLock(id int64) string { return fmt.Sprintf("position:%d", id) }

func removeByID[T any](items []T, id func(T) int64, target int64) []T {
	for i := range items {
		if id(items[i]) == target {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}

func limitSlice[T any](items []T, limit uint64) []T {
	if limit > 0 && uint64(len(items)) > limit {
		return items[:limit]
	}
	return items
}
