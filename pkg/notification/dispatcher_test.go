package notification_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/infra/memory"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/money"
	"github.com/leafybank/transactor/pkg/notification"
	"github.com/leafybank/transactor/pkg/retry"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []notification.Notification
	failures int // fail this many sends before succeeding
}

func (s *fakeSender) Send(_ context.Context, n *notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("channel unavailable")
	}
	s.sent = append(s.sent, *n)
	return nil
}

func (s *fakeSender) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, n := range s.sent {
		out = append(out, n.Event)
	}
	sort.Strings(out)
	return out
}

type env struct {
	ledger *memory.Ledger
	log    *memory.TxLog
	store  *memory.Notifications
	sender *fakeSender
	disp   *notification.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ledger: memory.NewLedger(),
		log:    memory.NewTxLog(),
		store:  memory.NewNotifications(),
		sender: &fakeSender{},
	}
	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	e.disp = notification.NewDispatcher(e.log, e.ledger, e.store, e.sender, policy, slog.Default())
	return e
}

func (e *env) seedAccount(t *testing.T) *account.Account {
	t.Helper()
	acc, err := account.New().
		WithID(uuid.New()).
		WithUserID(uuid.New()).
		WithCurrency(currency.USD).
		WithBalance(1000).
		Build()
	require.NoError(t, err)
	e.ledger.Seed(acc)
	return acc
}

func (e *env) committedTx(t *testing.T, src, dst *account.Account, kind transaction.Kind, method string) *transaction.Transaction {
	t.Helper()
	tx := transaction.New("n-"+uuid.NewString(), src.ID, dst.ID, money.MustNew(1250, currency.USD), kind)
	tx.PaymentMethod = method
	require.NoError(t, tx.MarkValidated())
	require.NoError(t, tx.MarkCommitted(time.Now()))
	require.NoError(t, e.log.Append(context.Background(), tx))
	return tx
}

func TestNotify_TransferNotifiesBothParties(t *testing.T) {
	require := require.New(t)
	e := newEnv(t)
	src := e.seedAccount(t)
	dst := e.seedAccount(t)
	tx := e.committedTx(t, src, dst, transaction.KindTransfer, "")

	require.NoError(e.disp.Notify(context.Background(), tx.ID))
	require.Equal([]string{"TransferReceived", "TransferSent"}, e.sender.events())

	stored := e.store.ByTransaction(tx.ID)
	require.Len(stored, 2)
	for _, n := range stored {
		require.Equal(notification.StatusSent, n.Status)
		require.Equal(1, n.Attempts)
		require.Contains(n.Message, "USD 12.50")
	}
}

func TestNotify_PaymentMentionsMethod(t *testing.T) {
	require := require.New(t)
	e := newEnv(t)
	src := e.seedAccount(t)
	dst := e.seedAccount(t)
	tx := e.committedTx(t, src, dst, transaction.KindPayment, "debit card")

	require.NoError(e.disp.Notify(context.Background(), tx.ID))
	require.Equal([]string{"PaymentMade", "PaymentReceived"}, e.sender.events())
	for _, n := range e.store.ByTransaction(tx.ID) {
		require.Contains(n.Message, "via debit card")
	}
}

func TestNotify_RetriesTransientSendFailures(t *testing.T) {
	require := require.New(t)
	e := newEnv(t)
	src := e.seedAccount(t)
	dst := e.seedAccount(t)
	tx := e.committedTx(t, src, dst, transaction.KindTransfer, "")

	e.sender.failures = 1
	require.NoError(e.disp.Notify(context.Background(), tx.ID))
	require.Len(e.store.ByTransaction(tx.ID), 2)
	for _, n := range e.store.ByTransaction(tx.ID) {
		require.Equal(notification.StatusSent, n.Status)
	}
}

func TestNotify_ExhaustedRetriesMarkFailed(t *testing.T) {
	require := require.New(t)
	e := newEnv(t)
	src := e.seedAccount(t)
	dst := e.seedAccount(t)
	tx := e.committedTx(t, src, dst, transaction.KindTransfer, "")

	e.sender.failures = 100
	require.Error(e.disp.Notify(context.Background(), tx.ID))
	stored := e.store.ByTransaction(tx.ID)
	require.Len(stored, 2)
	failed := 0
	for _, n := range stored {
		if n.Status == notification.StatusFailed {
			failed++
			require.Equal(3, n.Attempts)
		}
	}
	require.GreaterOrEqual(failed, 1)
}

func TestNotify_RefusesUncommittedTransaction(t *testing.T) {
	require := require.New(t)
	e := newEnv(t)
	src := e.seedAccount(t)
	dst := e.seedAccount(t)

	tx := transaction.New("n-failed", src.ID, dst.ID, money.MustNew(100, currency.USD), transaction.KindTransfer)
	require.NoError(tx.MarkFailed())
	require.NoError(e.log.Append(context.Background(), tx))

	require.Error(e.disp.Notify(context.Background(), tx.ID))
	require.Empty(e.sender.events())
}

func TestNotify_UnknownTransaction(t *testing.T) {
	require := require.New(t)
	e := newEnv(t)
	require.Error(e.disp.Notify(context.Background(), uuid.New()))
}
