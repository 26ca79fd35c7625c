package repository

import (
	"context"
	"time"

	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NativeCommitter implements coordinator.Committer using the database's own
// multi-statement transactions: debit, credit and log row commit or roll
// back together, so a partial commit is impossible and recovery never runs.
type NativeCommitter struct {
	db *gorm.DB
}

// NewNativeCommitter creates the atomic committer.
func NewNativeCommitter(db *gorm.DB) *NativeCommitter {
	return &NativeCommitter{db: db}
}

// Commit implements coordinator.Committer. A version conflict on either leg
// rolls the whole transaction back; the caller re-reads and retries.
func (c *NativeCommitter) Commit(ctx context.Context, tx *transaction.Transaction, src, dst *account.Account) error {
	committedAt := time.Now().UTC()
	err := c.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		if _, err := casBalance(g, src.ID, src.Version, -tx.Amount.Amount()); err != nil {
			return err
		}
		if _, err := casBalance(g, dst.ID, dst.Version, tx.Amount.Amount()); err != nil {
			return err
		}
		rec := mapTransactionToModel(tx)
		rec.Status = string(transaction.StatusCommitted)
		rec.CommittedAt = &committedAt
		return translateErr(g.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
			Create(&rec).Error)
	})
	if err != nil {
		return err
	}
	// Only mutate the in-memory transaction once the commit is durable, so a
	// rolled-back attempt can be retried from VALIDATED.
	return tx.MarkCommitted(committedAt)
}
