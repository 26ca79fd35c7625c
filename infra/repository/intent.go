package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/coordinator"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IntentStore implements coordinator.IntentStore on postgres.
type IntentStore struct {
	db *gorm.DB
}

// NewIntentStore creates the saga intent store.
func NewIntentStore(db *gorm.DB) *IntentStore {
	return &IntentStore{db: db}
}

// Save implements coordinator.IntentStore.
func (s *IntentStore) Save(ctx context.Context, intent *coordinator.Intent) error {
	rec := TransferIntent{
		TransactionID:  intent.TransactionID,
		IdempotencyKey: intent.IdempotencyKey,
		SourceID:       intent.SourceID,
		DestID:         intent.DestID,
		Amount:         intent.Amount,
		Currency:       intent.Currency.String(),
		Kind:           string(intent.Kind),
		PaymentMethod:  intent.PaymentMethod,
		Internal:       intent.Internal,
		Description:    intent.Description,
		SourceVersion:  intent.SourceVersion,
		Step:           string(intent.Step),
		CreatedAt:      intent.CreatedAt,
		UpdatedAt:      intent.UpdatedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "transaction_id"}}, UpdateAll: true}).
		Create(&rec).Error
	return translateErr(err)
}

// SetStep implements coordinator.IntentStore.
func (s *IntentStore) SetStep(ctx context.Context, transactionID uuid.UUID, step coordinator.Step) error {
	res := s.db.WithContext(ctx).Model(&TransferIntent{}).
		Where("transaction_id = ?", transactionID).
		Updates(map[string]any{
			"step":       string(step),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return coordinator.ErrIntentNotFound
	}
	return nil
}

// Get implements coordinator.IntentStore.
func (s *IntentStore) Get(ctx context.Context, transactionID uuid.UUID) (*coordinator.Intent, error) {
	var rec TransferIntent
	if err := s.db.WithContext(ctx).First(&rec, "transaction_id = ?", transactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coordinator.ErrIntentNotFound
		}
		return nil, translateErr(err)
	}
	return mapIntent(&rec), nil
}

// Resolve implements coordinator.IntentStore. Deleting an already-resolved
// intent is a no-op.
func (s *IntentStore) Resolve(ctx context.Context, transactionID uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Delete(&TransferIntent{}, "transaction_id = ?", transactionID).Error
	return translateErr(err)
}

// ListStale implements coordinator.IntentStore.
func (s *IntentStore) ListStale(ctx context.Context, olderThan time.Time) ([]*coordinator.Intent, error) {
	var recs []TransferIntent
	err := s.db.WithContext(ctx).
		Where("updated_at < ?", olderThan).
		Order("updated_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]*coordinator.Intent, 0, len(recs))
	for i := range recs {
		out = append(out, mapIntent(&recs[i]))
	}
	return out, nil
}

func mapIntent(rec *TransferIntent) *coordinator.Intent {
	return &coordinator.Intent{
		TransactionID:  rec.TransactionID,
		IdempotencyKey: rec.IdempotencyKey,
		SourceID:       rec.SourceID,
		DestID:         rec.DestID,
		Amount:         rec.Amount,
		Currency:       currency.Code(rec.Currency),
		Kind:           transaction.Kind(rec.Kind),
		PaymentMethod:  rec.PaymentMethod,
		Internal:       rec.Internal,
		Description:    rec.Description,
		SourceVersion:  rec.SourceVersion,
		Step:           coordinator.Step(rec.Step),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}
