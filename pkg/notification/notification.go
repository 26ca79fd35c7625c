// Package notification delivers post-transaction notifications.
//
// Delivery is best-effort and at-least-once, fully decoupled from the
// financial write path: a notification failure never reverses a committed
// transaction.
package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a notification.
type Status string

// Notification delivery states.
const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Notification is one message to one party of a transaction. It references
// the transaction by id only; transactions never reference notifications.
type Notification struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	UserID        uuid.UUID
	Event         string
	Message       string
	Status        Status
	Attempts      int
	CreatedAt     time.Time
}

// Store persists notification records. The dispatcher is their only writer.
type Store interface {
	// Save inserts or replaces the notification keyed by id.
	Save(ctx context.Context, n *Notification) error
}

// Sender is the delivery channel (webhook, push, mail). Implementations
// report raw outcomes; retry policy belongs to the dispatcher.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}
