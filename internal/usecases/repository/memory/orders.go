package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
)

func (s *Store) InsertOrder(ctx context.Context, order *entities.P2POrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.order++
	order.ID = s.seq.order
	order.CreatedAt = s.now()
	order.UpdatedAt = order.CreatedAt

	copied := *order
	s.orders[order.ID] = &copied

	id := order.ID
	s.onRollback(ctx, func() { delete(s.orders, id) })
	return nil
}

func (s *Store) FindOrder(_ context.Context, id int64) (*entities.P2POrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ports.ErrOrderNotFound)
	}
	copied := *o
	return &copied, nil
}

func (s *Store) LockOrder(ctx context.Context, id int64) (*entities.P2POrder, error) {
	if err := s.lock(ctx, orderLock(id)); err != nil {
		return nil, err
	}
	return s.FindOrder(ctx, id)
}

func (s *Store) UpdateOrder(ctx context.Context, order *entities.P2POrder) error {
	if !s.holds(ctx, orderLock(order.ID)) {
		return fmt.Errorf("memory: order %d updated without its lock", order.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %d: %w", order.ID, ports.ErrOrderNotFound)
	}

	prev := *o
	s.onRollback(ctx, func() { *o = prev })

	order.UpdatedAt = s.now()
	*o = *order
	return nil
}

// FindUserOrders returns the newest orders first.
func (s *Store) FindUserOrders(_ context.Context, userID int64, states []entities.OrderState) ([]entities.P2POrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []entities.P2POrder
	for _, o := range s.orders {
		if !o.IsParty(userID) {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, o.State) {
			continue
		}
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (s *Store) FindStaleOrders(_ context.Context, state entities.OrderState, updatedBefore time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, o := range s.orders {
		if o.State == state && o.UpdatedAt.Before(updatedBefore) {
			ids = append(ids, o.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) InsertEscrow(ctx context.Context, escrow *entities.Escrow) error {
	if err := s.lock(ctx, escrowLock(escrow.OrderID)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[escrow.OrderID]; exists {
		return fmt.Errorf("order %d: %w", escrow.OrderID, ports.ErrAlreadyEscrowed)
	}

	escrow.CreatedAt = s.now()
	escrow.UpdatedAt = escrow.CreatedAt
	copied := *escrow
	s.escrows[escrow.OrderID] = &copied

	orderID := escrow.OrderID
	s.onRollback(ctx, func() { delete(s.escrows, orderID) })
	return nil
}

func (s *Store) LockEscrow(ctx context.Context, orderID int64) (*entities.Escrow, error) {
	if err := s.lock(ctx, escrowLock(orderID)); err != nil {
		return nil, err
	}
	return s.FindEscrow(ctx, orderID)
}

func (s *Store) FindEscrow(_ context.Context, orderID int64) (*entities.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, ports.ErrEscrowNotFound)
	}
	copied := *e
	return &copied, nil
}

func (s *Store) UpdateEscrowStatus(ctx context.Context, orderID int64, status entities.EscrowStatus) error {
	if !s.holds(ctx, escrowLock(orderID)) {
		return fmt.Errorf("memory: escrow %d updated without its lock", orderID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, ports.ErrEscrowNotFound)
	}

	prev := *e
	s.onRollback(ctx, func() { *e = prev })

	e.Status = status
	e.UpdatedAt = s.now()
	return nil
}

func (s *Store) InsertBankTransfer(ctx context.Context, record *entities.BankTransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.transfer++
	record.ID = s.seq.transfer
	record.RecordedAt = s.now()
	s.transfers = append(s.transfers, *record)

	id := record.ID
	s.onRollback(ctx, func() {
		s.transfers = removeByID(s.transfers, func(r entities.BankTransferRecord) int64 { return r.ID }, id)
	})
	return nil
}

func (s *Store) FindOrderTransfers(_ context.Context, orderID int64) ([]entities.BankTransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []entities.BankTransferRecord
	for _, r := range s.transfers {
		if r.OrderID != nil && *r.OrderID == orderID {
			records = append(records, r)
		}
	}
	return records, nil
}

func (s *Store) FindAccountTransfers(_ context.Context, account string) ([]entities.BankTransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []entities.BankTransferRecord
	for _, r := range s.transfers {
		if r.FromAccount == account || r.ToAccount == account {
			records = append(records, r)
		}
	}
	return records, nil
}
