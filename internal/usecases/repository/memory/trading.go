package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
)

func (s *Store) InsertTrade(ctx context.Context, trade *entities.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.trade++
	trade.ID = s.seq.trade
	trade.CreatedAt = s.now()
	s.trades = append(s.trades, *trade)

	id := trade.ID
	s.onRollback(ctx, func() {
		s.trades = removeByID(s.trades, func(t entities.Trade) int64 { return t.ID }, id)
	})
	return nil
}

// FindUserTrades returns the newest trades first; an empty symbol matches all.
func (s *Store) FindUserTrades(_ context.Context, userID int64, symbol string, limit uint64) ([]entities.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var trades []entities.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.UserID == userID && (symbol == "" || t.Symbol == symbol) {
			trades = append(trades, t)
		}
	}
	return limitSlice(trades, limit), nil
}

func (s *Store) InsertPosition(ctx context.Context, position *entities.FuturePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.position++
	position.ID = s.seq.position
	position.OpenedAt = s.now()

	copied := *position
	s.positions[position.ID] = &copied

	id := position.ID
	s.onRollback(ctx, func() { delete(s.positions, id) })
	return nil
}

func (s *Store) LockPosition(ctx context.Context, id int64) (*entities.FuturePosition, error) {
	if err := s.lock(ctx, positionLock(id)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, ports.ErrPositionNotFound)
	}
	copied := *p
	return &copied, nil
}

func (s *Store) ClosePosition(ctx context.Context, position *entities.FuturePosition) error {
	if !s.holds(ctx, positionLock(position.ID)) {
		return fmt.Errorf("memory: position %d closed without its lock", position.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[position.ID]
	if !ok {
		return fmt.Errorf("position %d: %w", position.ID, ports.ErrPositionNotFound)
	}

	prev := *p
	s.onRollback(ctx, func() { *p = prev })

	p.State = position.State
	p.ExitPrice = position.ExitPrice
	p.RealizedPnL = position.RealizedPnL
	p.ClosedAt = position.ClosedAt
	return nil
}

// FindUserPositions returns the newest positions first; an empty state matches all.
func (s *Store) FindUserPositions(_ context.Context, userID int64, state entities.PositionState) ([]entities.FuturePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var positions []entities.FuturePosition
	for _, p := range s.positions {
		if p.UserID == userID && (state == "" || p.State == state) {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID > positions[j].ID })
	return positions, nil
}
