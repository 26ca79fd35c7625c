// Package repository implements the core stores on gorm/postgres. The
// database offers native multi-document atomicity, so the committer here
// runs all commit sub-writes inside one transaction boundary.
package repository

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Account is the persisted account record. Balance is in minor units;
// version is the optimistic-concurrency token.
type Account struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID            uuid.UUID `gorm:"type:uuid;index;not null"`
	Balance           int64     `gorm:"not null"`
	Currency          string    `gorm:"type:varchar(3);not null;default:'USD'"`
	Version           int64     `gorm:"not null;default:0"`
	OverdraftEligible bool      `gorm:"not null;default:false"`
	Frozen            bool      `gorm:"not null;default:false"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transaction is the persisted transaction-log row. Rows are append-only.
type Transaction struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex;not null"`
	SourceID       uuid.UUID `gorm:"type:uuid;index;not null"`
	DestID         uuid.UUID `gorm:"type:uuid;index;not null"`
	Amount         int64     `gorm:"not null"`
	Currency       string    `gorm:"type:varchar(3);not null"`
	Kind           string    `gorm:"type:varchar(16);not null"`
	PaymentMethod  string    `gorm:"type:varchar(64)"`
	Internal       bool      `gorm:"not null;default:false"`
	Description    string
	Status         string `gorm:"type:varchar(16);not null"`
	CreatedAt      time.Time
	CommittedAt    *time.Time
}

// IdempotencyRecord maps an idempotency key to its transaction and outcome.
type IdempotencyRecord struct {
	Key           string    `gorm:"primaryKey;size:128"`
	TransactionID uuid.UUID `gorm:"type:uuid;not null"`
	Status        string    `gorm:"type:varchar(16);not null"`
	ExpiresAt     time.Time `gorm:"index;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransferIntent is the saga intent record. Unused in native-atomic
// deployments but kept in the schema so mixed deployments can share one
// database.
type TransferIntent struct {
	TransactionID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	IdempotencyKey string    `gorm:"size:128;not null"`
	SourceID       uuid.UUID `gorm:"type:uuid;not null"`
	DestID         uuid.UUID `gorm:"type:uuid;not null"`
	Amount         int64     `gorm:"not null"`
	Currency       string    `gorm:"type:varchar(3);not null"`
	Kind           string    `gorm:"type:varchar(16);not null"`
	PaymentMethod  string    `gorm:"type:varchar(64)"`
	Internal       bool      `gorm:"not null;default:false"`
	Description    string
	SourceVersion  int64     `gorm:"not null"`
	Step           string    `gorm:"type:varchar(16);not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time `gorm:"index"`
}

// Notification is the persisted notification record.
type Notification struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TransactionID uuid.UUID `gorm:"type:uuid;index;not null"`
	UserID        uuid.UUID `gorm:"type:uuid;not null"`
	Event         string    `gorm:"type:varchar(32);not null"`
	Message       string
	Status        string `gorm:"type:varchar(16);not null"`
	Attempts      int    `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewDB opens a postgres connection and migrates the schema.
func NewDB(url string, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(
		&Account{},
		&Transaction{},
		&IdempotencyRecord{},
		&TransferIntent{},
		&Notification{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	log.Info("database ready")
	return db, nil
}
