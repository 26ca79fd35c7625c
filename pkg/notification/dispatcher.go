package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/domain/events"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/ledger"
	"github.com/leafybank/transactor/pkg/retry"
	"github.com/leafybank/transactor/pkg/txlog"
)

// Dispatcher builds and delivers the notifications for a committed
// transaction: one for the sending party, one for the receiving party.
type Dispatcher struct {
	log    txlog.Log
	ledger ledger.Store
	store  Store
	sender Sender
	policy retry.Policy
	logger *slog.Logger
}

// NewDispatcher wires a dispatcher. policy bounds delivery retries per
// notification.
func NewDispatcher(log txlog.Log, ledgerStore ledger.Store, store Store, sender Sender, policy retry.Policy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		log:    log,
		ledger: ledgerStore,
		store:  store,
		sender: sender,
		policy: policy,
		logger: logger,
	}
}

// Notify delivers both parties' notifications for the transaction. The
// returned error is for operational visibility only; callers must never
// treat it as a transaction failure.
func (d *Dispatcher) Notify(ctx context.Context, transactionID uuid.UUID) error {
	tx, err := d.log.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("loading transaction %s: %w", transactionID, err)
	}
	if tx.Status != transaction.StatusCommitted {
		return fmt.Errorf("transaction %s is %s, not committed", transactionID, tx.Status)
	}

	var firstErr error
	for _, n := range d.build(ctx, tx) {
		if err := d.deliver(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// build renders the per-party notifications. Parties are resolved to user
// ids through the ledger; an unresolvable party is skipped with a log line.
func (d *Dispatcher) build(ctx context.Context, tx *transaction.Transaction) []*Notification {
	senderEvent, receiverEvent := "TransferSent", "TransferReceived"
	via := ""
	if tx.Kind == transaction.KindPayment {
		senderEvent, receiverEvent = "PaymentMade", "PaymentReceived"
		via = fmt.Sprintf(" via %s", tx.PaymentMethod)
	}

	now := time.Now().UTC()
	var out []*Notification
	if src, err := d.ledger.Get(ctx, tx.SourceID); err == nil {
		out = append(out, &Notification{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			UserID:        src.UserID,
			Event:         senderEvent,
			Message:       fmt.Sprintf("You have sent %s to account %s%s.", tx.Amount, tx.DestID, via),
			Status:        StatusPending,
			CreatedAt:     now,
		})
	} else {
		d.logger.Warn("cannot resolve source party for notification", "tx_id", tx.ID, "error", err)
	}
	if dst, err := d.ledger.Get(ctx, tx.DestID); err == nil {
		out = append(out, &Notification{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			UserID:        dst.UserID,
			Event:         receiverEvent,
			Message:       fmt.Sprintf("You have received %s from account %s%s.", tx.Amount, tx.SourceID, via),
			Status:        StatusPending,
			CreatedAt:     now,
		})
	} else {
		d.logger.Warn("cannot resolve destination party for notification", "tx_id", tx.ID, "error", err)
	}
	return out
}

// deliver sends one notification with bounded backoff, recording each
// attempt. Terminal failures are marked FAILED and surfaced for operations.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	if err := d.store.Save(ctx, n); err != nil {
		d.logger.Error("failed to persist notification", "notification_id", n.ID, "error", err)
	}
	err := d.policy.Do(ctx, func() error {
		n.Attempts++
		return d.sender.Send(ctx, n)
	})
	if err != nil {
		n.Status = StatusFailed
	} else {
		n.Status = StatusSent
	}
	if serr := d.store.Save(ctx, n); serr != nil {
		d.logger.Error("failed to persist notification outcome", "notification_id", n.ID, "error", serr)
	}
	if err != nil {
		d.logger.Error("notification delivery failed", "notification_id", n.ID, "tx_id", n.TransactionID, "attempts", n.Attempts, "error", err)
		return fmt.Errorf("delivering notification %s: %w", n.ID, err)
	}
	d.logger.Info("notification delivered", "notification_id", n.ID, "tx_id", n.TransactionID, "event", n.Event, "attempts", n.Attempts)
	return nil
}

// Handler adapts the dispatcher to the event bus. Delivery runs in its own
// goroutine so the publisher never blocks on it.
func Handler(d *Dispatcher) func(context.Context, events.Event) {
	return func(ctx context.Context, e events.Event) {
		committed, ok := e.(events.TransactionCommitted)
		if !ok {
			return
		}
		detached := context.WithoutCancel(ctx)
		go func() {
			if err := d.Notify(detached, committed.TransactionID); err != nil {
				d.logger.Error("notification dispatch failed", "tx_id", committed.TransactionID, "error", err)
			}
		}()
	}
}

// SlogSender logs deliveries instead of calling an external channel. Used
// in development and as the default wiring until a real channel exists.
type SlogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s SlogSender) Send(_ context.Context, n *Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "user_id", n.UserID, "event", n.Event, "message", n.Message)
	return nil
}
