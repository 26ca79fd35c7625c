package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/idempotency"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Guard implements idempotency.Guard on postgres. The claim relies on the
// primary-key insert being atomic: exactly one of two racing inserts wins.
type Guard struct {
	db        *gorm.DB
	retention time.Duration
}

// NewGuard creates the guard with the given retention window.
func NewGuard(db *gorm.DB, retention time.Duration) *Guard {
	return &Guard{db: db, retention: retention}
}

// ClaimOrGet implements idempotency.Guard.
func (g *Guard) ClaimOrGet(ctx context.Context, key string, transactionID uuid.UUID) (idempotency.Outcome, bool, error) {
	now := time.Now().UTC()
	rec := IdempotencyRecord{
		Key:           key,
		TransactionID: transactionID,
		Status:        string(transaction.StatusInitiated),
		ExpiresAt:     now.Add(g.retention),
		CreatedAt:     now,
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return idempotency.Outcome{}, false, translateErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return idempotency.Outcome{TransactionID: transactionID, Status: transaction.StatusInitiated}, true, nil
	}

	var existing IdempotencyRecord
	if err := g.db.WithContext(ctx).First(&existing, "key = ?", key).Error; err != nil {
		return idempotency.Outcome{}, false, translateErr(err)
	}
	return idempotency.Outcome{
		TransactionID: existing.TransactionID,
		Status:        transaction.Status(existing.Status),
	}, false, nil
}

// Resolve implements idempotency.Guard.
func (g *Guard) Resolve(ctx context.Context, key string, outcome idempotency.Outcome) error {
	res := g.db.WithContext(ctx).Model(&IdempotencyRecord{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"transaction_id": outcome.TransactionID,
			"status":         string(outcome.Status),
		})
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return idempotency.ErrKeyNotFound
	}
	return nil
}

// Prune implements idempotency.Guard. Pruning committed keys is safe only
// because the transaction log keeps the durable record.
func (g *Guard) Prune(ctx context.Context, before time.Time) error {
	err := g.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&IdempotencyRecord{}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return translateErr(err)
	}
	return nil
}
