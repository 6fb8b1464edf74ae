package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
	"github.com/sand/crypto-p2p-exchange/backend/internal/entities"
)

type BankTransfersRepository interface {
	InsertBankTransfer(ctx context.Context, record *entities.BankTransferRecord) error
	FindOrderTransfers(ctx context.Context, orderID int64) ([]entities.BankTransferRecord, error)
	FindAccountTransfers(ctx context.Context, account string) ([]entities.BankTransferRecord, error)
}

// BankTransfer describes a fiat transfer reported by a user.
type BankTransfer struct {
	OrderID     *int64
	FromAccount string
	ToAccount   string
	Amount      decimal.Decimal
	Currency    string
	InitiatedBy int64
}

// BankTransferService keeps the append-only log of fiat transfers. It never
// touches wallet balances.
type BankTransferService struct {
	logger *slog.Logger
	repo   BankTransfersRepository
}

func NewBankTransferService(logger *slog.Logger, repo BankTransfersRepository) *BankTransferService {
	return &BankTransferService{logger: logger, repo: repo}
}

func (s *BankTransferService) Record(ctx context.Context, transfer BankTransfer) (*entities.BankTransferRecord, error) {
	if err := validateAmount(transfer.Amount); err != nil {
		return nil, err
	}

	record := &entities.BankTransferRecord{
		OrderID:     transfer.OrderID,
		FromAccount: strings.TrimSpace(transfer.FromAccount),
		ToAccount:   strings.TrimSpace(transfer.ToAccount),
		Amount:      transfer.Amount,
		Currency:    entities.NormalizeCurrency(transfer.Currency),
		InitiatedBy: transfer.InitiatedBy,
	}
	if record.FromAccount == "" || record.ToAccount == "" {
		return nil, fmt.Errorf("bank accounts are required: %w", ports.ErrInvalidInput)
	}
	if record.Currency == "" {
		return nil, fmt.Errorf("currency is required: %w", ports.ErrInvalidInput)
	}

	if err := s.repo.InsertBankTransfer(ctx, record); err != nil {
		return nil, fmt.Errorf("record bank transfer: %w", err)
	}

	s.logger.Info("bank transfer recorded",
		"id", record.ID,
		"initiated_by", record.InitiatedBy,
		"amount", record.Amount.String(),
		"currency", record.Currency)

	return record, nil
}

func (s *BankTransferService) ByOrder(ctx context.Context, orderID int64) ([]entities.BankTransferRecord, error) {
	return s.repo.FindOrderTransfers(ctx, orderID)
}

func (s *BankTransferService) ByAccount(ctx context.Context, account string) ([]entities.BankTransferRecord, error) {
	return s.repo.FindAccountTransfers(ctx, strings.TrimSpace(account))
}
