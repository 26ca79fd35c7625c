package coordinator_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/infra/memory"
	"github.com/leafybank/transactor/pkg/coordinator"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain"
	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/domain/events"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/eventbus"
	"github.com/leafybank/transactor/pkg/ledger"
	"github.com/leafybank/transactor/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type fixture struct {
	ledger  *memory.Ledger
	log     *memory.TxLog
	guard   *memory.Guard
	intents *memory.Intents
	bus     *eventbus.SimpleEventBus
	coord   *coordinator.Coordinator
}

func testConfig() coordinator.Config {
	return coordinator.Config{
		CommitPolicy:      retry.Policy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		CallTimeout:       2 * time.Second,
		ClaimPollAttempts: 50,
		ClaimPollInterval: time.Millisecond,
		IntentStaleAfter:  50 * time.Millisecond,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  memory.NewLedger(),
		log:     memory.NewTxLog(),
		guard:   memory.NewGuard(time.Hour),
		intents: memory.NewIntents(),
		bus:     eventbus.NewSimpleEventBus(),
	}
	committer := coordinator.NewSagaCommitter(f.ledger, f.log, f.intents, slog.Default())
	f.coord = coordinator.New(f.ledger, f.log, f.guard, committer, f.intents, f.bus, testConfig(), slog.Default())
	return f
}

func (f *fixture) seedAccount(t *testing.T, balance int64, overdraft bool) *account.Account {
	t.Helper()
	acc, err := account.New().
		WithID(uuid.New()).
		WithUserID(uuid.New()).
		WithCurrency(currency.USD).
		WithBalance(balance).
		WithOverdraft(overdraft).
		Build()
	require.NoError(t, err)
	f.ledger.Seed(acc)
	return acc
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	acc, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance.Amount()
}

func transferReq(src, dst *account.Account, amount int64) coordinator.Request {
	return coordinator.Request{
		IdempotencyKey: "key-" + uuid.NewString(),
		SourceID:       src.ID,
		DestID:         dst.ID,
		Amount:         amount,
		Currency:       currency.USD,
		Kind:           transaction.KindTransfer,
	}
}

func TestExecute_CommitsTransfer(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 200, false)

	req := transferReq(src, dst, 500)
	req.IdempotencyKey = "k1"
	tx, err := f.coord.Execute(context.Background(), req)
	require.NoError(err)
	require.NotNil(tx)
	assert.Equal(transaction.StatusCommitted, tx.Status)
	assert.NotNil(tx.CommittedAt)
	assert.Equal(int64(500), f.balance(t, src.ID))
	assert.Equal(int64(700), f.balance(t, dst.ID))

	logged, err := f.log.Get(context.Background(), tx.ID)
	require.NoError(err)
	assert.Equal(transaction.StatusCommitted, logged.Status)

	// No intent left behind.
	_, err = f.intents.Get(context.Background(), tx.ID)
	require.ErrorIs(err, coordinator.ErrIntentNotFound)
}

func TestExecute_ReplaySameKey(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 200, false)

	req := transferReq(src, dst, 500)
	first, err := f.coord.Execute(context.Background(), req)
	require.NoError(err)

	// The duplicate gets the original outcome; money moves exactly once.
	second, err := f.coord.Execute(context.Background(), req)
	require.NoError(err)
	require.Equal(first.ID, second.ID)
	require.Equal(transaction.StatusCommitted, second.Status)
	require.Equal(int64(500), f.balance(t, src.ID))
	require.Equal(int64(700), f.balance(t, dst.ID))
}

func TestExecute_ReplayAfterGuardPrune(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 200, false)

	req := transferReq(src, dst, 500)
	req.IdempotencyKey = "k1"
	first, err := f.coord.Execute(context.Background(), req)
	require.NoError(err)
	require.Equal(transaction.StatusCommitted, first.Status)

	// Retention expires and the guard record is pruned. The log still
	// holds the key's outcome; a retry of the key must win a fresh claim
	// and still replay, never move the money a second time.
	require.NoError(f.guard.Prune(context.Background(), time.Now().Add(2*time.Hour)))

	replay, err := f.coord.Execute(context.Background(), req)
	require.NoError(err)
	require.Equal(first.ID, replay.ID)
	require.Equal(transaction.StatusCommitted, replay.Status)
	require.Equal(int64(500), f.balance(t, src.ID))
	require.Equal(int64(700), f.balance(t, dst.ID))

	// The re-claimed guard record points at the original outcome again,
	// so subsequent duplicates take the fast path.
	outcome, claimed, err := f.guard.ClaimOrGet(context.Background(), "k1", uuid.New())
	require.NoError(err)
	require.False(claimed)
	require.Equal(first.ID, outcome.TransactionID)
	require.Equal(transaction.StatusCommitted, outcome.Status)
}

func TestExecute_ReplayFailedOutcome(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 100, false)
	dst := f.seedAccount(t, 0, false)

	req := transferReq(src, dst, 500)
	_, err := f.coord.Execute(context.Background(), req)
	require.ErrorIs(err, domain.ErrRejected)

	// The failure replays as the same failure, not a fresh attempt.
	tx, err := f.coord.Execute(context.Background(), req)
	require.ErrorIs(err, domain.ErrRejected)
	require.NotNil(tx)
	require.Equal(transaction.StatusFailed, tx.Status)
	require.Equal(int64(100), f.balance(t, src.ID))
}

func TestExecute_RejectsInsufficientFunds(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	tx, err := f.coord.Execute(context.Background(), transferReq(src, dst, 1500))
	require.ErrorIs(err, domain.ErrRejected)
	require.NotNil(tx)
	require.Equal(transaction.StatusFailed, tx.Status)
	require.Equal(int64(1000), f.balance(t, src.ID))
	require.Equal(int64(0), f.balance(t, dst.ID))

	// The rejection is durable.
	logged, err := f.log.Get(context.Background(), tx.ID)
	require.NoError(err)
	require.Equal(transaction.StatusFailed, logged.Status)
}

func TestExecute_OverdraftEligibleGoesNegative(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 100, true)
	dst := f.seedAccount(t, 0, false)

	_, err := f.coord.Execute(context.Background(), transferReq(src, dst, 500))
	require.NoError(err)
	require.Equal(int64(-400), f.balance(t, src.ID))
	require.Equal(int64(500), f.balance(t, dst.ID))
}

func TestExecute_RejectsFrozenSource(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	dst := f.seedAccount(t, 0, false)
	frozen, err := account.New().
		WithID(uuid.New()).
		WithUserID(uuid.New()).
		WithCurrency(currency.USD).
		WithBalance(1000).
		WithFrozen(true).
		Build()
	require.NoError(err)
	f.ledger.Seed(frozen)

	_, err = f.coord.Execute(context.Background(), transferReq(frozen, dst, 100))
	require.ErrorIs(err, domain.ErrRejected)
	require.Equal(int64(1000), f.balance(t, frozen.ID))
}

func TestExecute_RejectsUnknownAccounts(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)

	req := transferReq(src, src, 100)
	req.DestID = uuid.New() // never seeded
	_, err := f.coord.Execute(context.Background(), req)
	require.ErrorIs(err, domain.ErrRejected)
	require.Equal(int64(1000), f.balance(t, src.ID))
}

func TestExecute_ValidatesRequest(t *testing.T) {
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	cases := []struct {
		name   string
		mutate func(*coordinator.Request)
	}{
		{"missing idempotency key", func(r *coordinator.Request) { r.IdempotencyKey = "" }},
		{"missing source", func(r *coordinator.Request) { r.SourceID = uuid.Nil }},
		{"same account", func(r *coordinator.Request) { r.DestID = r.SourceID }},
		{"zero amount", func(r *coordinator.Request) { r.Amount = 0 }},
		{"negative amount", func(r *coordinator.Request) { r.Amount = -5 }},
		{"bad currency", func(r *coordinator.Request) { r.Currency = "usd" }},
		{"unknown kind", func(r *coordinator.Request) { r.Kind = "WIRE" }},
		{"payment without method", func(r *coordinator.Request) {
			r.Kind = transaction.KindPayment
			r.PaymentMethod = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := transferReq(src, dst, 100)
			tc.mutate(&req)
			_, err := f.coord.Execute(context.Background(), req)
			require.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
	// Nothing moved.
	require.Equal(t, int64(1000), f.balance(t, src.ID))
}

func TestExecute_EnforcesAmountLimit(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	cfg := testConfig()
	cfg.AmountLimit = 10_000
	committer := coordinator.NewSagaCommitter(f.ledger, f.log, f.intents, slog.Default())
	coord := coordinator.New(f.ledger, f.log, f.guard, committer, f.intents, f.bus, cfg, slog.Default())

	src := f.seedAccount(t, 100_000, false)
	dst := f.seedAccount(t, 0, false)

	_, err := coord.Execute(context.Background(), transferReq(src, dst, 10_001))
	require.ErrorIs(err, domain.ErrInvalidRequest)

	_, err = coord.Execute(context.Background(), transferReq(src, dst, 10_000))
	require.NoError(err)
}

func TestExecute_MarksInternalTransfer(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	sameUser, err := account.New().
		WithID(uuid.New()).
		WithUserID(src.UserID).
		WithCurrency(currency.USD).
		WithBalance(0).
		Build()
	require.NoError(err)
	f.ledger.Seed(sameUser)

	tx, err := f.coord.Execute(context.Background(), transferReq(src, sameUser, 100))
	require.NoError(err)
	require.True(tx.Internal)
}

func TestExecute_PaymentCarriesMethod(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	req := transferReq(src, dst, 250)
	req.Kind = transaction.KindPayment
	req.PaymentMethod = "debit card"
	tx, err := f.coord.Execute(context.Background(), req)
	require.NoError(err)
	require.Equal(transaction.KindPayment, tx.Kind)
	require.Equal("debit card", tx.PaymentMethod)
}

func TestExecute_ConcurrentSameKey_CommitsOnce(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	req := transferReq(src, dst, 500)
	const callers = 8
	results := make([]*transaction.Transaction, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coord.Execute(context.Background(), req)
		}(i)
	}
	wg.Wait()

	require.Equal(int64(500), f.balance(t, src.ID))
	require.Equal(int64(500), f.balance(t, dst.ID))
	var winnerID uuid.UUID
	for i := 0; i < callers; i++ {
		require.NoError(errs[i], "caller %d", i)
		require.NotNil(results[i], "caller %d", i)
		require.Equal(transaction.StatusCommitted, results[i].Status)
		if winnerID == uuid.Nil {
			winnerID = results[i].ID
		}
		require.Equal(winnerID, results[i].ID, "caller %d observed a different transaction", i)
	}
}

func TestExecute_ConcurrentTransfers_ConservesTotal(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	const accounts = 4
	const transfers = 40
	ids := make([]uuid.UUID, accounts)
	var total int64
	for i := 0; i < accounts; i++ {
		acc := f.seedAccount(t, 1000, false)
		ids[i] = acc.ID
		total += 1000
	}

	var wg sync.WaitGroup
	for i := 0; i < transfers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := coordinator.Request{
				IdempotencyKey: fmt.Sprintf("conc-%d", i),
				SourceID:       ids[i%accounts],
				DestID:         ids[(i+1)%accounts],
				Amount:         int64(10 + i%50),
				Currency:       currency.USD,
				Kind:           transaction.KindTransfer,
			}
			// Rejections and conflict exhaustion are fine; lost money is not.
			_, _ = f.coord.Execute(context.Background(), req)
		}(i)
	}
	wg.Wait()

	// Heavy contention can leave a transfer parked on its intent; the sweep
	// drives every straggler to a terminal outcome.
	require.Eventually(func() bool {
		f.coord.SweepOnce(context.Background())
		leftover, err := f.intents.ListStale(context.Background(), time.Now())
		return err == nil && len(leftover) == 0
	}, 5*time.Second, 20*time.Millisecond, "unresolved intents remain")

	var sum int64
	for _, id := range ids {
		b := f.balance(t, id)
		require.GreaterOrEqual(b, int64(0), "account %s went negative", id)
		sum += b
	}
	require.Equal(total, sum, "money was created or destroyed")
}

func TestExecute_ConcurrentDrain_NoNegativeBalance(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 100, false)
	dst := f.seedAccount(t, 0, false)

	// Two racing withdrawals of the full balance: exactly one can commit.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.Execute(context.Background(), transferReq(src, dst, 100))
		}(i)
	}
	wg.Wait()

	require.Equal(int64(0), f.balance(t, src.ID))
	require.Equal(int64(100), f.balance(t, dst.ID))
	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	require.Equal(1, failures, "exactly one withdrawal must lose")
}

func TestExecute_ConflictExhaustionFailsTransaction(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	f.ledger.BeforeCAS = func(uuid.UUID, int64) error {
		return ledger.ErrVersionConflict
	}

	tx, err := f.coord.Execute(context.Background(), transferReq(src, dst, 100))
	require.ErrorIs(err, domain.ErrConflict)
	require.NotNil(tx)
	require.Equal(transaction.StatusFailed, tx.Status)

	f.ledger.BeforeCAS = nil
	require.Equal(int64(1000), f.balance(t, src.ID))
	require.Equal(int64(0), f.balance(t, dst.ID))
}

func TestExecute_TransientConflictRetriesAndCommits(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	// First debit attempt conflicts; the retry goes through.
	var mu sync.Mutex
	conflicts := 0
	f.ledger.BeforeCAS = func(_ uuid.UUID, delta int64) error {
		mu.Lock()
		defer mu.Unlock()
		if delta < 0 && conflicts == 0 {
			conflicts++
			return ledger.ErrVersionConflict
		}
		return nil
	}

	tx, err := f.coord.Execute(context.Background(), transferReq(src, dst, 100))
	require.NoError(err)
	require.Equal(transaction.StatusCommitted, tx.Status)
	require.Equal(int64(900), f.balance(t, src.ID))
	require.Equal(int64(100), f.balance(t, dst.ID))
}

func TestExecute_StoreOutageSurfacesUnavailable(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	// Debits never reach the store, so every attempt fails before any write.
	f.ledger.BeforeCAS = func(_ uuid.UUID, delta int64) error {
		if delta < 0 {
			return fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
		}
		return nil
	}

	_, err := f.coord.Execute(context.Background(), transferReq(src, dst, 100))
	require.Error(err)
	require.Equal(int64(1000), f.balance(t, src.ID))
	require.Equal(int64(0), f.balance(t, dst.ID))
}

func TestExecute_InDoubtCreditResumesToCommit(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 200, false)

	// The credit leg's response is lost once; recovery resumes from the
	// recorded DEBITED step instead of redoing the debit.
	var mu sync.Mutex
	failed := false
	f.ledger.BeforeCAS = func(id uuid.UUID, delta int64) error {
		mu.Lock()
		defer mu.Unlock()
		if delta > 0 && id == dst.ID && !failed {
			failed = true
			return fmt.Errorf("%w: response lost", domain.ErrStoreUnavailable)
		}
		return nil
	}

	tx, err := f.coord.Execute(context.Background(), transferReq(src, dst, 500))
	require.NoError(err)
	require.Equal(transaction.StatusCommitted, tx.Status)
	require.Equal(int64(500), f.balance(t, src.ID))
	require.Equal(int64(700), f.balance(t, dst.ID))

	_, err = f.intents.Get(context.Background(), tx.ID)
	require.ErrorIs(err, coordinator.ErrIntentNotFound)
}

func TestExecute_UncreditableDestinationCompensates(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	// Credits to the destination permanently fail after validation, as if
	// the account was deleted mid-flight. The debit must be reversed.
	f.ledger.BeforeCAS = func(id uuid.UUID, delta int64) error {
		if id == dst.ID && delta > 0 {
			return account.ErrAccountNotFound
		}
		return nil
	}

	tx, err := f.coord.Execute(context.Background(), transferReq(src, dst, 500))
	require.ErrorIs(err, domain.ErrRejected)
	require.NotNil(tx)
	require.Equal(transaction.StatusCompensated, tx.Status)
	require.Equal(int64(1000), f.balance(t, src.ID), "debit was not reversed")
	require.Equal(int64(0), f.balance(t, dst.ID))

	logged, err := f.log.Get(context.Background(), tx.ID)
	require.NoError(err)
	require.Equal(transaction.StatusCompensated, logged.Status)
}

func TestExecute_InProgressWhenClaimHolderStuck(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	cfg := testConfig()
	cfg.ClaimPollAttempts = 3
	committer := coordinator.NewSagaCommitter(f.ledger, f.log, f.intents, slog.Default())
	coord := coordinator.New(f.ledger, f.log, f.guard, committer, f.intents, f.bus, cfg, slog.Default())

	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	// Another process claimed the key but left no trace to recover from.
	_, claimed, err := f.guard.ClaimOrGet(context.Background(), "stuck", uuid.New())
	require.NoError(err)
	require.True(claimed)

	req := transferReq(src, dst, 100)
	req.IdempotencyKey = "stuck"
	_, err = coord.Execute(context.Background(), req)
	require.ErrorIs(err, domain.ErrInProgress)
	require.Equal(int64(1000), f.balance(t, src.ID))
}

func TestExecute_PublishesCommitEvent(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	var mu sync.Mutex
	var committed []uuid.UUID
	f.bus.Subscribe(events.TransactionCommitted{}.Type(), func(_ context.Context, e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		committed = append(committed, e.(events.TransactionCommitted).TransactionID)
	})

	tx, err := f.coord.Execute(context.Background(), transferReq(src, dst, 100))
	require.NoError(err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]uuid.UUID{tx.ID}, committed)
}

func TestGetTransaction(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	src := f.seedAccount(t, 1000, false)
	dst := f.seedAccount(t, 0, false)

	tx, err := f.coord.Execute(context.Background(), transferReq(src, dst, 100))
	require.NoError(err)

	got, err := f.coord.GetTransaction(context.Background(), tx.ID)
	require.NoError(err)
	require.Equal(tx.ID, got.ID)
	require.Equal(transaction.StatusCommitted, got.Status)
}
