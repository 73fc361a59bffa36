// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier. Invalid input won't become valid
// by retrying.
func (e *ValidationError) IsRetryable() bool { return false }


// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "tool", "connector")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ProviderError represents LLM provider failures.
// Use this for errors originating from external LLM providers.
type ProviderError struct {
	// Provider is the name of the LLM provider (e.g., "anthropic", "openai")
	Provider string

	// Code is the provider-specific error code
	Code int

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)

	if e.Code > 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ProviderError) ErrorType() string { return "external" }

// IsRetryable implements ErrorClassifier. Mirrors the status-code
// classification pkg/llm/retry.go applies before a request is re-driven
// against the same provider or handed to the next one in the failover
// chain: 5xx and 429 are transient, everything else (4xx auth/validation
// failures) is not.
func (e *ProviderError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "api_key", "database.host")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier. A bad config value won't fix
// itself on the next attempt.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "LLM request", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// AuthError represents a missing or invalid credential. Never retried.
type AuthError struct {
	// Reason is a short human-readable explanation (never echoes the credential itself).
	Reason string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *AuthError) ErrorType() string { return "auth" }

// IsRetryable implements ErrorClassifier.
func (e *AuthError) IsRetryable() bool { return false }

// ForbiddenError represents an authenticated caller lacking permission
// for the requested resource or action.
type ForbiddenError struct {
	Resource string
	Action   string
}

// Error implements the error interface.
func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s on %s", e.Action, e.Resource)
}

// ErrorType implements ErrorClassifier.
func (e *ForbiddenError) ErrorType() string { return "forbidden" }

// IsRetryable implements ErrorClassifier.
func (e *ForbiddenError) IsRetryable() bool { return false }

// CreditInsufficientError is returned when a debit cannot be satisfied by
// the user's combined free and paid balance.
type CreditInsufficientError struct {
	UserID    string
	Requested Stringer
	Available Stringer
}

// Stringer is satisfied by pkg/money.Amount without this package importing it,
// keeping pkg/errors dependency-free of the domain money type.
type Stringer interface {
	String() string
}

// Error implements the error interface.
func (e *CreditInsufficientError) Error() string {
	if e.Requested != nil && e.Available != nil {
		return fmt.Sprintf("insufficient credit for user %s: requested %s, available %s", e.UserID, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient credit for user %s", e.UserID)
}

// ErrorType implements ErrorClassifier.
func (e *CreditInsufficientError) ErrorType() string { return "billing" }

// IsRetryable implements ErrorClassifier. The balance won't change until
// the user tops up, so retrying the same job immediately just repeats
// the rejection.
func (e *CreditInsufficientError) IsRetryable() bool { return false }

// IsUserVisible implements UserVisibleError: this is the one error in the
// taxonomy a caller needs to see verbatim rather than a generic "job
// failed" message.
func (e *CreditInsufficientError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *CreditInsufficientError) UserMessage() string {
	return e.Error()
}

// Suggestion implements UserVisibleError.
func (e *CreditInsufficientError) Suggestion() string {
	return "add credit to your account or reduce the job's estimated cost"
}

// SubscriptionConflictError represents a request that conflicts with the
// caller's current subscription or billing state.
type SubscriptionConflictError struct {
	Reason string
}

// Error implements the error interface.
func (e *SubscriptionConflictError) Error() string {
	return fmt.Sprintf("subscription conflict: %s", e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *SubscriptionConflictError) ErrorType() string { return "subscription_conflict" }

// IsRetryable implements ErrorClassifier.
func (e *SubscriptionConflictError) IsRetryable() bool { return false }

// TooManyRequestsError represents a rate limit being exceeded.
type TooManyRequestsError struct {
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("rate limit exceeded (limit %d), retry after %v", e.Limit, e.RetryAfter)
}

// ErrorType implements ErrorClassifier.
func (e *TooManyRequestsError) ErrorType() string { return "rate_limit" }

// IsRetryable implements ErrorClassifier.
func (e *TooManyRequestsError) IsRetryable() bool { return true }

// DatabaseError wraps a storage-layer failure. Transient instances are
// retried with bounded attempts by internal/dbutil; non-transient
// instances propagate to the caller.
type DatabaseError struct {
	Op        string
	Transient bool
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *DatabaseError) ErrorType() string { return "database" }

// IsRetryable implements ErrorClassifier, deferring to the Transient flag
// internal/dbutil already sets when it classifies the driver error.
func (e *DatabaseError) IsRetryable() bool { return e.Transient }

// JobCanceledError is not a failure: it marks a job that stopped because
// of a cooperative cancellation, preserving any partial usage already
// recorded.
type JobCanceledError struct {
	JobID  string
	Reason string
}

// Error implements the error interface.
func (e *JobCanceledError) Error() string {
	return fmt.Sprintf("job %s canceled: %s", e.JobID, e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *JobCanceledError) ErrorType() string { return "canceled" }

// IsRetryable implements ErrorClassifier. A canceled job is deliberately
// stopped, not failed; retrying would ignore the caller's cancellation.
func (e *JobCanceledError) IsRetryable() bool { return false }

// BillingError represents a reconciliation or billing-system failure that
// is reported and escalated but never auto-corrected.
type BillingError struct {
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *BillingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("billing error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("billing error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BillingError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *BillingError) ErrorType() string { return "billing" }

// IsRetryable implements ErrorClassifier. Billing errors are escalated to
// an operator, never retried automatically.
func (e *BillingError) IsRetryable() bool { return false }
