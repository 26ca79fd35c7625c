// Package transfer exposes the operations the API layer consumes:
// submitting transfers and payments and querying transactions and balances.
package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/coordinator"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain/transaction"
)

// SubmitRequest carries one transfer or payment submission from the API layer.
type SubmitRequest struct {
	IdempotencyKey string
	SourceID       uuid.UUID
	DestID         uuid.UUID
	Amount         int64
	Currency       currency.Code
	PaymentMethod  string
	Description    string
}

// TransactionResult is the read model returned across the boundary.
type TransactionResult struct {
	ID             uuid.UUID          `json:"id"`
	IdempotencyKey string             `json:"idempotency_key"`
	SourceID       uuid.UUID          `json:"source_account_id"`
	DestID         uuid.UUID          `json:"dest_account_id"`
	Amount         int64              `json:"amount"`
	Currency       string             `json:"currency"`
	Kind           transaction.Kind   `json:"kind"`
	PaymentMethod  string             `json:"payment_method,omitempty"`
	Internal       bool               `json:"internal"`
	Status         transaction.Status `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	CommittedAt    *time.Time         `json:"committed_at,omitempty"`
}

// BalanceResult is the account balance read model.
type BalanceResult struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	Version   int64     `json:"version"`
}

// Service is the transactional facade over the coordinator.
type Service struct {
	coordinator *coordinator.Coordinator
	logger      *slog.Logger
}

// NewService builds the facade.
func NewService(c *coordinator.Coordinator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{coordinator: c, logger: logger}
}

// SubmitTransfer executes an account transfer. The result is non-nil
// whenever a terminal record exists for the idempotency key, also on
// rejection, so callers can inspect the outcome.
func (s *Service) SubmitTransfer(ctx context.Context, req SubmitRequest) (*TransactionResult, error) {
	return s.submit(ctx, req, transaction.KindTransfer)
}

// SubmitPayment executes a digital payment; req.PaymentMethod is required.
func (s *Service) SubmitPayment(ctx context.Context, req SubmitRequest) (*TransactionResult, error) {
	return s.submit(ctx, req, transaction.KindPayment)
}

func (s *Service) submit(ctx context.Context, req SubmitRequest, kind transaction.Kind) (*TransactionResult, error) {
	tx, err := s.coordinator.Execute(ctx, coordinator.Request{
		IdempotencyKey: req.IdempotencyKey,
		SourceID:       req.SourceID,
		DestID:         req.DestID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Kind:           kind,
		PaymentMethod:  req.PaymentMethod,
		Description:    req.Description,
	})
	if tx == nil {
		return nil, err
	}
	s.logger.Info("submission finished",
		"tx_id", tx.ID, "kind", kind, "status", tx.Status, "key", req.IdempotencyKey)
	return toResult(tx), err
}

// GetTransaction answers "what happened" for a transaction id from the log,
// without touching account state.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*TransactionResult, error) {
	tx, err := s.coordinator.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return toResult(tx), nil
}

// ListAccountTransactions returns the account's transaction history from the
// log, newest first.
func (s *Service) ListAccountTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*TransactionResult, error) {
	txs, err := s.coordinator.ListTransactions(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*TransactionResult, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toResult(tx))
	}
	return out, nil
}

// GetAccountBalance returns a strongly-consistent balance read.
func (s *Service) GetAccountBalance(ctx context.Context, accountID uuid.UUID) (*BalanceResult, error) {
	acc, err := s.coordinator.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &BalanceResult{
		AccountID: acc.ID,
		Balance:   acc.Balance.Amount(),
		Currency:  acc.Balance.Currency().String(),
		Version:   acc.Version,
	}, nil
}

func toResult(tx *transaction.Transaction) *TransactionResult {
	return &TransactionResult{
		ID:             tx.ID,
		IdempotencyKey: tx.IdempotencyKey,
		SourceID:       tx.SourceID,
		DestID:         tx.DestID,
		Amount:         tx.Amount.Amount(),
		Currency:       tx.Amount.Currency().String(),
		Kind:           tx.Kind,
		PaymentMethod:  tx.PaymentMethod,
		Internal:       tx.Internal,
		Status:         tx.Status,
		CreatedAt:      tx.CreatedAt,
		CommittedAt:    tx.CommittedAt,
	}
}
