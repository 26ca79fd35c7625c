package transaction_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain/transaction"
	"github.com/leafybank/transactor/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTx(t *testing.T) *transaction.Transaction {
	t.Helper()
	return transaction.New("k1", uuid.New(), uuid.New(), money.MustNew(500, currency.USD), transaction.KindTransfer)
}

func TestNew(t *testing.T) {
	t.Parallel()
	tx := newTx(t)
	assert.NotEqual(t, uuid.Nil, tx.ID)
	assert.Equal(t, transaction.StatusInitiated, tx.Status)
	assert.Nil(t, tx.CommittedAt)
	assert.False(t, tx.Status.Terminal())
}

func TestCommitLifecycle(t *testing.T) {
	t.Parallel()
	tx := newTx(t)
	require.NoError(t, tx.MarkValidated())

	now := time.Now()
	require.NoError(t, tx.MarkCommitted(now))
	assert.Equal(t, transaction.StatusCommitted, tx.Status)
	require.NotNil(t, tx.CommittedAt)
	assert.True(t, tx.Status.Terminal())

	// Committed transactions are immutable.
	assert.ErrorIs(t, tx.MarkFailed(), transaction.ErrInvalidTransition)
	assert.ErrorIs(t, tx.MarkCompensated(), transaction.ErrInvalidTransition)
	assert.ErrorIs(t, tx.MarkValidated(), transaction.ErrInvalidTransition)
}

func TestFailedIsTerminal(t *testing.T) {
	t.Parallel()
	tx := newTx(t)
	require.NoError(t, tx.MarkFailed())

	assert.ErrorIs(t, tx.MarkCommitted(time.Now()), transaction.ErrInvalidTransition)
	assert.ErrorIs(t, tx.MarkCompensated(), transaction.ErrInvalidTransition)
}

func TestCompensateBeforeCommit(t *testing.T) {
	t.Parallel()
	tx := newTx(t)
	require.NoError(t, tx.MarkValidated())
	require.NoError(t, tx.MarkCompensated())
	assert.Equal(t, transaction.StatusCompensated, tx.Status)
	assert.True(t, tx.Status.Terminal())
}

func TestCommitFromInitiated(t *testing.T) {
	t.Parallel()
	tx := newTx(t)
	require.NoError(t, tx.MarkCommitted(time.Now()))
}
