package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/ledger"
	"gorm.io/gorm"
)

// LedgerStore implements ledger.Store on postgres. Reads hit the primary,
// so Get is strongly consistent with committed writes.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore creates the ledger store.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Get implements ledger.Store.
func (s *LedgerStore) Get(ctx context.Context, accountID uuid.UUID) (*account.Account, error) {
	var rec Account
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, account.ErrAccountNotFound
		}
		return nil, translateErr(err)
	}
	return mapAccount(&rec)
}

// CompareAndSwapBalance implements ledger.Store. The conditional UPDATE is
// the per-document atomic primitive everything else composes on.
func (s *LedgerStore) CompareAndSwapBalance(ctx context.Context, accountID uuid.UUID, expectedVersion int64, delta int64) (int64, error) {
	return casBalance(s.db.WithContext(ctx), accountID, expectedVersion, delta)
}

// casBalance runs the conditional balance update on the given session so
// the native committer can reuse it inside a transaction boundary.
func casBalance(db *gorm.DB, accountID uuid.UUID, expectedVersion int64, delta int64) (int64, error) {
	res := db.Model(&Account{}).
		Where("id = ? AND version = ?", accountID, expectedVersion).
		Updates(map[string]any{
			"balance": gorm.Expr("balance + ?", delta),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, translateErr(res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := db.Model(&Account{}).Where("id = ?", accountID).Count(&count).Error; err != nil {
			return 0, translateErr(err)
		}
		if count == 0 {
			return 0, account.ErrAccountNotFound
		}
		return 0, ledger.ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

// Create persists a new account record.
func (s *LedgerStore) Create(ctx context.Context, acc *account.Account) error {
	rec := Account{
		ID:                acc.ID,
		UserID:            acc.UserID,
		Balance:           acc.Balance.Amount(),
		Currency:          acc.Balance.Currency().String(),
		Version:           acc.Version,
		OverdraftEligible: acc.OverdraftEligible,
		Frozen:            acc.Frozen,
		CreatedAt:         acc.CreatedAt,
	}
	return translateErr(s.db.WithContext(ctx).Create(&rec).Error)
}

func mapAccount(rec *Account) (*account.Account, error) {
	return account.New().
		WithID(rec.ID).
		WithUserID(rec.UserID).
		WithCurrency(currency.Code(rec.Currency)).
		WithBalance(rec.Balance).
		WithVersion(rec.Version).
		WithOverdraft(rec.OverdraftEligible).
		WithFrozen(rec.Frozen).
		WithCreatedAt(rec.CreatedAt).
		WithUpdatedAt(rec.UpdatedAt).
		Build()
}
