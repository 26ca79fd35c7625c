// Package events defines the domain events published after coordinator outcomes.
package events

import "github.com/google/uuid"

// Event is the marker interface for all domain events.
type Event interface {
	Type() string
}

// TransactionCommitted is published after a transfer or payment commits.
// Notification dispatch subscribes to it; the financial write path never
// waits on subscribers.
type TransactionCommitted struct {
	TransactionID uuid.UUID
}

// Type implements Event.
func (TransactionCommitted) Type() string { return "TransactionCommitted" }

// TransactionCompensated is published when a partially-applied transfer was
// reversed during recovery.
type TransactionCompensated struct {
	TransactionID uuid.UUID
}

// Type implements Event.
func (TransactionCompensated) Type() string { return "TransactionCompensated" }
