// Package memory provides in-process implementations of the core stores.
//
// Each store offers only per-document atomicity, mirroring a remote
// document database without multi-document transactions — which is exactly
// what the saga commit path is written against. Used for development mode
// and for concurrency and crash-recovery tests; the ledger exposes a
// fault-injection hook for the latter.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/coordinator"
	"github.com/leafybank/transactor/pkg/domain"
	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/idempotency"
	"github.com/leafybank/transactor/pkg/ledger"
	"github.com/leafybank/transactor/pkg/money"
	"github.com/leafybank/transactor/pkg/notification"
	"github.com/leafybank/transactor/pkg/txlog"
)

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
	default:
		return nil
	}
}

// Ledger is an in-memory ledger.Store.
type Ledger struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*account.Account

	// BeforeCAS, when set, runs before a compare-and-swap applies. A
	// non-nil return aborts the write with that error. Tests use it to
	// inject conflicts, timeouts, and crash windows.
	BeforeCAS func(accountID uuid.UUID, delta int64) error
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[uuid.UUID]*account.Account)}
}

// Seed inserts the account, overwriting any previous record with the same id.
func (l *Ledger) Seed(acc *account.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *acc
	l.accounts[acc.ID] = &cp
}

// Get implements ledger.Store.
func (l *Ledger) Get(ctx context.Context, accountID uuid.UUID) (*account.Account, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

// CompareAndSwapBalance implements ledger.Store.
func (l *Ledger) CompareAndSwapBalance(ctx context.Context, accountID uuid.UUID, expectedVersion int64, delta int64) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	if hook := l.BeforeCAS; hook != nil {
		if err := hook(accountID, delta); err != nil {
			return 0, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return 0, account.ErrAccountNotFound
	}
	if acc.Version != expectedVersion {
		return 0, ledger.ErrVersionConflict
	}
	balance, err := money.New(acc.Balance.Amount()+delta, acc.Balance.Currency())
	if err != nil {
		return 0, err
	}
	acc.Balance = balance
	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	return acc.Version, nil
}

// TxLog is an in-memory txlog.Log.
type TxLog struct {
	mu      sync.Mutex
	records map[uuid.UUID]*transaction.Transaction
	byKey   map[string]uuid.UUID
}

// NewTxLog creates an empty in-memory transaction log.
func NewTxLog() *TxLog {
	return &TxLog{
		records: make(map[uuid.UUID]*transaction.Transaction),
		byKey:   make(map[string]uuid.UUID),
	}
}

// Append implements txlog.Log. Appending an existing id is a no-op success;
// a second id for an already-logged idempotency key is refused, mirroring
// the unique key index of the persistent log.
func (t *TxLog) Append(ctx context.Context, tx *transaction.Transaction) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[tx.ID]; ok {
		return nil
	}
	if prior, ok := t.byKey[tx.IdempotencyKey]; ok && prior != tx.ID {
		return fmt.Errorf("idempotency key %q already logged under transaction %s", tx.IdempotencyKey, prior)
	}
	cp := *tx
	if tx.CommittedAt != nil {
		at := *tx.CommittedAt
		cp.CommittedAt = &at
	}
	t.records[tx.ID] = &cp
	t.byKey[tx.IdempotencyKey] = tx.ID
	return nil
}

// Get implements txlog.Log.
func (t *TxLog) Get(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.records[id]
	if !ok {
		return nil, txlog.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

// GetByKey implements txlog.Log.
func (t *TxLog) GetByKey(ctx context.Context, key string) (*transaction.Transaction, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byKey[key]
	if !ok {
		return nil, txlog.ErrNotFound
	}
	cp := *t.records[id]
	return &cp, nil
}

// ListByAccount implements txlog.Log.
func (t *TxLog) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*transaction.Transaction, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*transaction.Transaction
	for _, tx := range t.records {
		if tx.SourceID == accountID || tx.DestID == accountID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type guardRecord struct {
	outcome   idempotency.Outcome
	expiresAt time.Time
}

// Guard is an in-memory idempotency.Guard.
type Guard struct {
	mu        sync.Mutex
	records   map[string]*guardRecord
	retention time.Duration
}

// NewGuard creates a guard with the given retention window.
func NewGuard(retention time.Duration) *Guard {
	return &Guard{records: make(map[string]*guardRecord), retention: retention}
}

// ClaimOrGet implements idempotency.Guard.
func (g *Guard) ClaimOrGet(ctx context.Context, key string, transactionID uuid.UUID) (idempotency.Outcome, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return idempotency.Outcome{}, false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[key]; ok {
		return rec.outcome, false, nil
	}
	outcome := idempotency.Outcome{TransactionID: transactionID, Status: transaction.StatusInitiated}
	g.records[key] = &guardRecord{outcome: outcome, expiresAt: time.Now().Add(g.retention)}
	return outcome, true, nil
}

// Resolve implements idempotency.Guard.
func (g *Guard) Resolve(ctx context.Context, key string, outcome idempotency.Outcome) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[key]
	if !ok {
		return idempotency.ErrKeyNotFound
	}
	rec.outcome = outcome
	return nil
}

// Prune implements idempotency.Guard.
func (g *Guard) Prune(ctx context.Context, before time.Time) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, rec := range g.records {
		if rec.expiresAt.Before(before) {
			delete(g.records, key)
		}
	}
	return nil
}

// Intents is an in-memory coordinator.IntentStore.
type Intents struct {
	mu      sync.Mutex
	records map[uuid.UUID]*coordinator.Intent
}

// NewIntents creates an empty intent store.
func NewIntents() *Intents {
	return &Intents{records: make(map[uuid.UUID]*coordinator.Intent)}
}

// Save implements coordinator.IntentStore.
func (s *Intents) Save(ctx context.Context, intent *coordinator.Intent) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *intent
	s.records[intent.TransactionID] = &cp
	return nil
}

// SetStep implements coordinator.IntentStore.
func (s *Intents) SetStep(ctx context.Context, transactionID uuid.UUID, step coordinator.Step) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.records[transactionID]
	if !ok {
		return coordinator.ErrIntentNotFound
	}
	intent.Step = step
	intent.UpdatedAt = time.Now().UTC()
	return nil
}

// Get implements coordinator.IntentStore.
func (s *Intents) Get(ctx context.Context, transactionID uuid.UUID) (*coordinator.Intent, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.records[transactionID]
	if !ok {
		return nil, coordinator.ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

// Resolve implements coordinator.IntentStore.
func (s *Intents) Resolve(ctx context.Context, transactionID uuid.UUID) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, transactionID)
	return nil
}

// ListStale implements coordinator.IntentStore.
func (s *Intents) ListStale(ctx context.Context, olderThan time.Time) ([]*coordinator.Intent, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*coordinator.Intent
	for _, intent := range s.records {
		if intent.UpdatedAt.Before(olderThan) {
			cp := *intent
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Notifications is an in-memory notification.Store.
type Notifications struct {
	mu      sync.Mutex
	records map[uuid.UUID]*notification.Notification
}

// NewNotifications creates an empty notification store.
func NewNotifications() *Notifications {
	return &Notifications{records: make(map[uuid.UUID]*notification.Notification)}
}

// Save implements notification.Store.
func (s *Notifications) Save(ctx context.Context, n *notification.Notification) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.records[n.ID] = &cp
	return nil
}

// ByTransaction returns the stored notifications for a transaction id.
func (s *Notifications) ByTransaction(transactionID uuid.UUID) []*notification.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*notification.Notification
	for _, n := range s.records {
		if n.TransactionID == transactionID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}
