// Package ledger implements per-user credit accounts, priority
// debit (free credits before paid balance), a append-only transaction
// history, free-credit expiry, and a reconciliation sweep that compares
// the two. Balances and transactions live in one relational store over
// database/sql, with a conditional-upsert webhook lock so a billing
// provider's webhook retry never double-applies a credit, and
// pkg/money.Amount
// replacing BigDecimal. Persistence follows internal/jobstore's
// sqlite.go shape: a process-wide write mutex serializing the
// check-then-write sequences SQLite itself doesn't make atomic.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// Account is one user's credit balance.
type Account struct {
	UserID               string
	Balance              money.Amount
	FreeCreditBalance    money.Amount
	FreeCreditsGrantedAt *time.Time
	FreeCreditsExpireAt  *time.Time
	FreeCreditsExpired   bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TransactionKind classifies a ledger entry for reporting and reconciliation.
type TransactionKind string

const (
	TransactionDebit  TransactionKind = "debit"
	TransactionCredit TransactionKind = "credit"
	TransactionExpiry TransactionKind = "free_credit_expiry"
	TransactionAdjust TransactionKind = "adjustment"
)

// Transaction is one append-only ledger entry. NetAmount is signed:
// negative for debits/expiry, positive for credits.
type Transaction struct {
	ID         string
	UserID     string
	Kind       TransactionKind
	NetAmount  money.Amount
	FromFree   money.Amount
	FromPaid   money.Amount
	Reference  string
	CreatedAt  time.Time
}

// Store is the ledger's contract.
type Store interface {
	// EnsureAccount creates a zero-balance account for userID if none
	// exists, then returns the current record.
	EnsureAccount(ctx context.Context, userID string) (*Account, error)

	// Balance returns the account for userID, or nil if none exists.
	Balance(ctx context.Context, userID string) (*Account, error)

	// DebitWithPriority deducts amount from userID's balance, drawing
	// from unexpired free credits first and the paid balance for any
	// remainder. Returns a *CreditInsufficientError (pkg/errors) if the
	// combined balance can't cover amount; the account is left
	// unchanged in that case.
	DebitWithPriority(ctx context.Context, userID string, amount money.Amount, reference string) (fromFree, fromPaid money.Amount, err error)

	// Credit adds amount to userID's paid balance and records a credit
	// transaction.
	Credit(ctx context.Context, userID string, amount money.Amount, reference string) error

	// ExpireFreeCredits zeroes the free balance of every account whose
	// FreeCreditsExpireAt has passed and isn't already marked expired,
	// recording one expiry transaction per affected account. Returns
	// the number of accounts affected.
	ExpireFreeCredits(ctx context.Context) (int, error)

	// GrantFreeCredits sets a fresh free-credit grant on userID's
	// account, replacing any unexpired remainder.
	GrantFreeCredits(ctx context.Context, userID string, amount money.Amount, expiresAt time.Time) error

	// Transactions returns userID's ledger history, most recent first.
	Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	// RecordAPIUsage inserts one api_usage row, the audit record the
	// provider proxy writes after every provider dispatch (success or
	// failure).
	RecordAPIUsage(ctx context.Context, rec APIUsageRecord) error

	// AcquireWebhookLock, MarkWebhookCompleted, and
	// ReleaseWebhookLockWithFailure are the ledger's webhook idempotency contract
	// (see webhook.go); declared here so providerproxy can depend on the
	// Store interface alone rather than importing *SQLStore directly.
	AcquireWebhookLock(ctx context.Context, eventID, webhookType, eventType, lockedBy string, lockDuration time.Duration) (*WebhookLock, error)
	MarkWebhookCompleted(ctx context.Context, eventID string) error
	// ReleaseWebhookLockWithFailure schedules a retry unless permanent is
	// true, in which case the event is marked permanently failed on this
	// attempt regardless of how many retries remain — the caller sets
	// permanent when the failure was classified as non-retryable (a
	// malformed payload will fail identically on every redelivery).
	ReleaseWebhookLockWithFailure(ctx context.Context, eventID, errMessage string, retryDelay time.Duration, permanent bool) error
}

// APIUsageRecord is one row of the api_usage audit table written after
// every provider dispatch: who made the call, which model
// served it, how many tokens it cost, and the provider-assigned request
// id for cross-referencing provider-side logs.
type APIUsageRecord struct {
	UserID           string
	ServiceName      string // the model id the call was billed against
	Provider         string
	RequestID        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             money.Amount
	Canceled         bool
	Metadata         string // free-form JSON, e.g. provider-specific fields
	CreatedAt        time.Time
}

// Discrepancy reports a user whose current balance doesn't match the
// sum of their transaction history, per the reconciliation sweep.
type Discrepancy struct {
	UserID           string
	ExpectedBalance  money.Amount
	ActualBalance    money.Amount
	DiscrepancyAmount money.Amount
	TransactionCount int
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("user %s: expected %s, actual %s, diff %s",
		d.UserID, d.ExpectedBalance, d.ActualBalance, d.DiscrepancyAmount)
}

// reconciliationTolerance is the fixed $0.0001 threshold below which a
// mismatch is attributed to rounding noise rather than a real
// bookkeeping bug.
var reconciliationTolerance = money.FromFloat(0.0001)
