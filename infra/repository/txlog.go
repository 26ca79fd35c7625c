package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/money"
	"github.com/leafybank/transactor/pkg/txlog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TxLog implements txlog.Log on postgres.
type TxLog struct {
	db *gorm.DB
}

// NewTxLog creates the transaction log store.
func NewTxLog(db *gorm.DB) *TxLog {
	return &TxLog{db: db}
}

// Append implements txlog.Log. ON CONFLICT DO NOTHING makes the append
// idempotent on transaction id.
func (l *TxLog) Append(ctx context.Context, tx *transaction.Transaction) error {
	rec := mapTransactionToModel(tx)
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rec).Error
	return translateErr(err)
}

// Get implements txlog.Log.
func (l *TxLog) Get(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	var rec Transaction
	if err := l.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, txlog.ErrNotFound
		}
		return nil, translateErr(err)
	}
	return mapTransactionToDomain(&rec)
}

// GetByKey implements txlog.Log. The idempotency_key column carries a
// unique index, so at most one row can match.
func (l *TxLog) GetByKey(ctx context.Context, key string) (*transaction.Transaction, error) {
	var rec Transaction
	if err := l.db.WithContext(ctx).First(&rec, "idempotency_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, txlog.ErrNotFound
		}
		return nil, translateErr(err)
	}
	return mapTransactionToDomain(&rec)
}

// ListByAccount implements txlog.Log.
func (l *TxLog) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*transaction.Transaction, error) {
	var recs []Transaction
	q := l.db.WithContext(ctx).
		Where("source_id = ? OR dest_id = ?", accountID, accountID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, translateErr(err)
	}
	out := make([]*transaction.Transaction, 0, len(recs))
	for i := range recs {
		tx, err := mapTransactionToDomain(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func mapTransactionToModel(tx *transaction.Transaction) Transaction {
	return Transaction{
		ID:             tx.ID,
		IdempotencyKey: tx.IdempotencyKey,
		SourceID:       tx.SourceID,
		DestID:         tx.DestID,
		Amount:         tx.Amount.Amount(),
		Currency:       tx.Amount.Currency().String(),
		Kind:           string(tx.Kind),
		PaymentMethod:  tx.PaymentMethod,
		Internal:       tx.Internal,
		Description:    tx.Description,
		Status:         string(tx.Status),
		CreatedAt:      tx.CreatedAt,
		CommittedAt:    tx.CommittedAt,
	}
}

func mapTransactionToDomain(rec *Transaction) (*transaction.Transaction, error) {
	amount, err := money.New(rec.Amount, currency.Code(rec.Currency))
	if err != nil {
		return nil, err
	}
	return &transaction.Transaction{
		ID:             rec.ID,
		IdempotencyKey: rec.IdempotencyKey,
		SourceID:       rec.SourceID,
		DestID:         rec.DestID,
		Amount:         amount,
		Kind:           transaction.Kind(rec.Kind),
		PaymentMethod:  rec.PaymentMethod,
		Internal:       rec.Internal,
		Description:    rec.Description,
		Status:         transaction.Status(rec.Status),
		CreatedAt:      rec.CreatedAt,
		CommittedAt:    rec.CommittedAt,
	}, nil
}
