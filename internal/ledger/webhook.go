package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WebhookStatus is the webhook_idempotency status column.
type WebhookStatus string

const (
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
	WebhookPending    WebhookStatus = "pending"
)

// WebhookLock is one idempotency record for a provider billing webhook.
type WebhookLock struct {
	EventID     string
	WebhookType string
	EventType   string
	Status      WebhookStatus
	LockedBy    string
	RetryCount  int
	MaxRetries  int
}

// ErrWebhookAlreadyCompleted is returned by AcquireWebhookLock when the
// event was already fully processed — the caller should treat this as
// success-by-idempotency, not an error to surface.
var ErrWebhookAlreadyCompleted = errors.New("ledger: webhook event already completed")

// ErrWebhookLocked is returned when another worker currently holds an
// unexpired lock on the event.
var ErrWebhookLocked = errors.New("ledger: webhook event locked by another worker")

// AcquireWebhookLock is a conditional-upsert lock: insert a fresh
// processing record, or steal the lock from an existing one only if
// it's unlocked, expired, or previously failed.
func (s *SQLStore) AcquireWebhookLock(ctx context.Context, eventID, webhookType, eventType, lockedBy string, lockDuration time.Duration) (*WebhookLock, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	lockExpiresAt := now.Add(lockDuration)

	var (
		status     string
		existingBy sql.NullString
		lockExpiry sql.NullTime
		retryCount int
		maxRetries int
	)
	err := s.queryRow(ctx, `
		SELECT status, locked_by, lock_expires_at, retry_count, max_retries
		FROM webhook_idempotency WHERE webhook_event_id = ?
	`, eventID).Scan(&status, &existingBy, &lockExpiry, &retryCount, &maxRetries)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, insertErr := s.exec(ctx, `
			INSERT INTO webhook_idempotency
				(webhook_event_id, webhook_type, event_type, status, locked_by, locked_at,
				 lock_expires_at, retry_count, max_retries, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 3, ?, ?)
		`, eventID, webhookType, eventType, string(WebhookProcessing), lockedBy, now, lockExpiresAt, now, now)
		if insertErr != nil {
			return nil, fmt.Errorf("ledger: inserting webhook lock: %w", insertErr)
		}
		return &WebhookLock{EventID: eventID, WebhookType: webhookType, EventType: eventType, Status: WebhookProcessing, LockedBy: lockedBy, MaxRetries: 3}, nil

	case err != nil:
		return nil, fmt.Errorf("ledger: reading webhook record: %w", err)
	}

	if WebhookStatus(status) == WebhookCompleted {
		return nil, ErrWebhookAlreadyCompleted
	}

	lockStale := !lockExpiry.Valid || lockExpiry.Time.Before(now) || WebhookStatus(status) == WebhookFailed
	if !lockStale {
		return nil, ErrWebhookLocked
	}

	if _, err := s.exec(ctx, `
		UPDATE webhook_idempotency
		SET status = ?, locked_by = ?, locked_at = ?, lock_expires_at = ?, updated_at = ?
		WHERE webhook_event_id = ?
	`, string(WebhookProcessing), lockedBy, now, lockExpiresAt, now, eventID); err != nil {
		return nil, fmt.Errorf("ledger: updating webhook lock: %w", err)
	}

	return &WebhookLock{
		EventID: eventID, WebhookType: webhookType, EventType: eventType,
		Status: WebhookProcessing, LockedBy: lockedBy, RetryCount: retryCount, MaxRetries: maxRetries,
	}, nil
}

// MarkWebhookCompleted records successful processing and releases the lock.
func (s *SQLStore) MarkWebhookCompleted(ctx context.Context, eventID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		UPDATE webhook_idempotency
		SET status = ?, locked_by = NULL, locked_at = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE webhook_event_id = ?
	`, string(WebhookCompleted), now, eventID)
	if err != nil {
		return fmt.Errorf("ledger: marking webhook completed: %w", err)
	}
	return nil
}

// ReleaseWebhookLockWithFailure implements release_webhook_lock_with_failure:
// schedule a retry if retries remain and the failure was classified as
// retryable, otherwise mark the event permanently failed.
func (s *SQLStore) ReleaseWebhookLockWithFailure(ctx context.Context, eventID, errMessage string, retryDelay time.Duration, permanent bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var retryCount, maxRetries int
	if err := s.queryRow(ctx, `SELECT retry_count, max_retries FROM webhook_idempotency WHERE webhook_event_id = ?`, eventID).
		Scan(&retryCount, &maxRetries); err != nil {
		return fmt.Errorf("ledger: reading webhook record for retry: %w", err)
	}

	newRetryCount := retryCount + 1
	now := time.Now().UTC()

	if newRetryCount < maxRetries && !permanent {
		nextRetryAt := now.Add(retryDelay)
		_, err := s.exec(ctx, `
			UPDATE webhook_idempotency
			SET retry_count = ?, next_retry_at = ?, status = ?, locked_by = NULL, locked_at = NULL,
				lock_expires_at = NULL, error_message = ?, updated_at = ?
			WHERE webhook_event_id = ?
		`, newRetryCount, nextRetryAt, string(WebhookPending), errMessage, now, eventID)
		if err != nil {
			return fmt.Errorf("ledger: scheduling webhook retry: %w", err)
		}
		return nil
	}

	_, err := s.exec(ctx, `
		UPDATE webhook_idempotency
		SET retry_count = ?, next_retry_at = NULL, status = ?, locked_by = NULL, locked_at = NULL,
			lock_expires_at = NULL, error_message = ?, updated_at = ?
		WHERE webhook_event_id = ?
	`, newRetryCount, string(WebhookFailed), errMessage, now, eventID)
	if err != nil {
		return fmt.Errorf("ledger: marking webhook permanently failed: %w", err)
	}
	return nil
}
