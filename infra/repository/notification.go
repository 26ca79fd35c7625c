package repository

import (
	"context"

	"github.com/leafybank/transactor/pkg/notification"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationStore implements notification.Store on postgres.
type NotificationStore struct {
	db *gorm.DB
}

// NewNotificationStore creates the notification store.
func NewNotificationStore(db *gorm.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// Save implements notification.Store. Upserting on id lets the dispatcher
// record delivery attempts on the same row.
func (s *NotificationStore) Save(ctx context.Context, n *notification.Notification) error {
	rec := Notification{
		ID:            n.ID,
		TransactionID: n.TransactionID,
		UserID:        n.UserID,
		Event:         n.Event,
		Message:       n.Message,
		Status:        string(n.Status),
		Attempts:      n.Attempts,
		CreatedAt:     n.CreatedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&rec).Error
	return translateErr(err)
}
