package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireWebhookLock_FirstAcquireCreatesRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lock, err := store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, WebhookProcessing, lock.Status)
}

func TestAcquireWebhookLock_RejectsWhileHeldByAnother(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-b", time.Minute)
	require.ErrorIs(t, err, ErrWebhookLocked)
}

func TestAcquireWebhookLock_StealsExpiredLock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-a", -time.Minute)
	require.NoError(t, err)

	lock, err := store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "worker-b", lock.LockedBy)
}

func TestAcquireWebhookLock_RejectsAlreadyCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.MarkWebhookCompleted(ctx, "evt-1"))

	_, err = store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-b", time.Minute)
	require.ErrorIs(t, err, ErrWebhookAlreadyCompleted)
}

func TestReleaseWebhookLockWithFailure_SchedulesRetryWithinLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.ReleaseWebhookLockWithFailure(ctx, "evt-1", "provider timeout", time.Minute, false))

	lock, err := store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-b", time.Minute)
	require.NoError(t, err, "a pending retry should still be lockable by another worker")
	require.Equal(t, 1, lock.RetryCount)
}

func TestReleaseWebhookLockWithFailure_PermanentlyFailsAfterMaxRetries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-a", time.Minute)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.ReleaseWebhookLockWithFailure(ctx, "evt-1", "provider timeout", time.Minute, false))
		if i < 2 {
			_, err := store.AcquireWebhookLock(ctx, "evt-1", "stripe", "invoice.paid", "worker-a", time.Minute)
			require.NoError(t, err)
		}
	}

	var status string
	err = store.queryRow(ctx, `SELECT status FROM webhook_idempotency WHERE webhook_event_id = ?`, "evt-1").Scan(&status)
	require.NoError(t, err)
	require.Equal(t, string(WebhookFailed), status)
}
