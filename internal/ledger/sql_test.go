package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pkgerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_EnsureAccountIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a1, err := store.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, a1.Balance.IsZero())

	a2, err := store.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, a1.CreatedAt, a2.CreatedAt)
}

func TestSQLStore_CreditIncreasesBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "user-1", money.FromFloat(10), "top-up"))
	account, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, money.FromFloat(10), account.Balance)
}

func TestSQLStore_DebitDrawsFreeCreditsFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.GrantFreeCredits(ctx, "user-1", money.FromFloat(5), time.Now().Add(time.Hour)))
	require.NoError(t, store.Credit(ctx, "user-1", money.FromFloat(10), "top-up"))

	fromFree, fromPaid, err := store.DebitWithPriority(ctx, "user-1", money.FromFloat(3), "job-1")
	require.NoError(t, err)
	require.Equal(t, money.FromFloat(3), fromFree)
	require.True(t, fromPaid.IsZero())

	account, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, money.FromFloat(2), account.FreeCreditBalance)
	require.Equal(t, money.FromFloat(10), account.Balance)
}

func TestSQLStore_DebitSpillsIntoPaidBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.GrantFreeCredits(ctx, "user-1", money.FromFloat(2), time.Now().Add(time.Hour)))
	require.NoError(t, store.Credit(ctx, "user-1", money.FromFloat(10), "top-up"))

	fromFree, fromPaid, err := store.DebitWithPriority(ctx, "user-1", money.FromFloat(5), "job-1")
	require.NoError(t, err)
	require.Equal(t, money.FromFloat(2), fromFree)
	require.Equal(t, money.FromFloat(3), fromPaid)

	account, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, account.FreeCreditBalance.IsZero())
	require.Equal(t, money.FromFloat(7), account.Balance)
}

func TestSQLStore_DebitFailsWhenInsufficient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "user-1", money.FromFloat(1), "top-up"))

	_, _, err := store.DebitWithPriority(ctx, "user-1", money.FromFloat(5), "job-1")
	require.Error(t, err)
	var insufficient *pkgerrors.CreditInsufficientError
	require.ErrorAs(t, err, &insufficient)

	account, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, money.FromFloat(1), account.Balance, "balance must be unchanged after a failed debit")
}

func TestSQLStore_DebitIgnoresExpiredFreeCredits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.GrantFreeCredits(ctx, "user-1", money.FromFloat(5), time.Now().Add(-time.Hour)))
	require.NoError(t, store.Credit(ctx, "user-1", money.FromFloat(10), "top-up"))

	fromFree, fromPaid, err := store.DebitWithPriority(ctx, "user-1", money.FromFloat(3), "job-1")
	require.NoError(t, err)
	require.True(t, fromFree.IsZero(), "expired free credits must not be drawn from")
	require.Equal(t, money.FromFloat(3), fromPaid)
}

func TestSQLStore_ExpireFreeCredits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.GrantFreeCredits(ctx, "user-1", money.FromFloat(5), time.Now().Add(-time.Hour)))
	require.NoError(t, store.GrantFreeCredits(ctx, "user-2", money.FromFloat(5), time.Now().Add(time.Hour)))

	n, err := store.ExpireFreeCredits(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a1, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, a1.FreeCreditBalance.IsZero())
	require.True(t, a1.FreeCreditsExpired)

	a2, err := store.Balance(ctx, "user-2")
	require.NoError(t, err)
	require.Equal(t, money.FromFloat(5), a2.FreeCreditBalance)
	require.False(t, a2.FreeCreditsExpired)
}

func TestSQLStore_ReconcileFindsNoDiscrepancyForConsistentLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "user-1", money.FromFloat(10), "top-up"))
	_, _, err := store.DebitWithPriority(ctx, "user-1", money.FromFloat(4), "job-1")
	require.NoError(t, err)

	discrepancies, err := store.Reconcile(ctx)
	require.NoError(t, err)
	require.Empty(t, discrepancies)
}

func TestSQLStore_TransactionsOrderedNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "user-1", money.FromFloat(1), "first"))
	require.NoError(t, store.Credit(ctx, "user-1", money.FromFloat(2), "second"))

	txs, err := store.Transactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, "second", txs[0].Reference)
}
