package dbutil

import (
	"context"
	"errors"
	"testing"
)

func TestRetryWriteSucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	err := RetryWrite(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWriteDoesNotRetryPermanentErrors(t *testing.T) {
	attempts := 0
	wantErr := errors.New("unique constraint failed")
	err := RetryWrite(context.Background(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-transient error, got %d", attempts)
	}
}

func TestRetryWriteRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := RetryWrite(ctx, func() error {
		attempts++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected an error once the context is canceled")
	}
	if attempts > 1 {
		t.Fatalf("expected at most 1 attempt on an already-canceled context, got %d", attempts)
	}
}
