package usecases

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
)

type EscrowsRepository interface {
	// InsertEscrow fails with ports.ErrAlreadyEscrowed when the order already has one.
	InsertEscrow(ctx context.Context, escrow *entities.Escrow) error
	// LockEscrow locks the order's escrow row until the transaction ends.
	LockEscrow(ctx context.Context, orderID int64) (*entities.Escrow, error)
	FindEscrow(ctx context.Context, orderID int64) (*entities.Escrow, error)
	UpdateEscrowStatus(ctx context.Context, orderID int64, status entities.EscrowStatus) error
}

// EscrowService holds crypto against an in-flight P2P order on top of the
// ledger lock/unlock primitives.
type EscrowService struct {
	logger     *slog.Logger
	transactor Transactor
	repo       EscrowsRepository
	ledger     *LedgerService
}

func NewEscrowService(logger *slog.Logger, transactor Transactor, repo EscrowsRepository, ledger *LedgerService) *EscrowService {
	return &EscrowService{
		logger:     logger,
		transactor: withCommitHooks(transactor),
		repo:       repo,
		ledger:     ledger,
	}
}

// OpenEscrow locks amount on walletID against orderID.
func (s *EscrowService) OpenEscrow(ctx context.Context, orderID, walletID int64, amount decimal.Decimal) (*entities.Escrow, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	escrow := &entities.Escrow{
		OrderID:  orderID,
		WalletID: walletID,
		Amount:   amount,
		Status:   entities.EscrowStatusHeld,
	}
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.InsertEscrow(ctx, escrow); err != nil {
			return err
		}
		_, err := s.ledger.Lock(ctx, walletID, amount, entities.OrderReference(orderID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open escrow for order %d: %w", orderID, err)
	}

	s.logger.Info("escrow opened", "order_id", orderID, "wallet_id", walletID, "amount", amount.String())
	return escrow, nil
}

// ReleaseEscrow moves the held amount from the owner's locked balance to the
// available balance of toWalletID. Releasing twice is a no-op.
func (s *EscrowService) ReleaseEscrow(ctx context.Context, orderID, toWalletID int64) (*entities.Escrow, error) {
	var escrow *entities.Escrow
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		escrow, err = s.repo.LockEscrow(ctx, orderID)
		if err != nil {
			return err
		}

		switch escrow.Status {
		case entities.EscrowStatusReleased:
			return nil
		case entities.EscrowStatusRefunded:
			return fmt.Errorf("escrow already refunded: %w", ports.ErrInvalidState)
		}

		if toWalletID == escrow.WalletID {
			return fmt.Errorf("release into the escrow wallet %d: %w", toWalletID, ports.ErrInvalidInput)
		}

		posting, err := s.ledger.Post(ctx, entities.OrderReference(orderID),
			Leg{WalletID: escrow.WalletID, Kind: entities.EntryKindTransferOut, Locked: escrow.Amount.Neg()},
			Leg{WalletID: toWalletID, Kind: entities.EntryKindTransferIn, Available: escrow.Amount},
		)
		if err != nil {
			return err
		}
		if src, dst := posting.Balance(escrow.WalletID), posting.Balance(toWalletID); src.Currency != dst.Currency {
			return fmt.Errorf("currency mismatch %s -> %s: %w", src.Currency, dst.Currency, ports.ErrInvalidInput)
		}

		escrow.Status = entities.EscrowStatusReleased
		return s.repo.UpdateEscrowStatus(ctx, orderID, escrow.Status)
	})
	if err != nil {
		return nil, fmt.Errorf("release escrow for order %d: %w", orderID, err)
	}

	s.logger.Info("escrow released", "order_id", orderID, "to_wallet_id", toWalletID)
	return escrow, nil
}

// CancelEscrow returns the held amount to the owner's available balance.
// Cancelling twice is a no-op; cancelling a released escrow is not allowed.
func (s *EscrowService) CancelEscrow(ctx context.Context, orderID int64) (*entities.Escrow, error) {
	var escrow *entities.Escrow
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		escrow, err = s.repo.LockEscrow(ctx, orderID)
		if err != nil {
			return err
		}

		switch escrow.Status {
		case entities.EscrowStatusRefunded:
			return nil
		case entities.EscrowStatusReleased:
			return fmt.Errorf("escrow already released: %w", ports.ErrInvalidState)
		}

		if _, err = s.ledger.Unlock(ctx, escrow.WalletID, escrow.Amount, entities.OrderReference(orderID)); err != nil {
			return err
		}

		escrow.Status = entities.EscrowStatusRefunded
		return s.repo.UpdateEscrowStatus(ctx, orderID, escrow.Status)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel escrow for order %d: %w", orderID, err)
	}

	s.logger.Info("escrow refunded", "order_id", orderID)
	return escrow, nil
}

func (s *EscrowService) GetEscrow(ctx context.Context, orderID int64) (*entities.Escrow, error) {
	return s.repo.FindEscrow(ctx, orderID)
}
