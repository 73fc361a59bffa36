// Package httpstatus maps the core's typed error taxonomy (pkg/errors) onto
// the HTTP status codes the server-side handlers must return.
package httpstatus

import (
	"errors"
	"net/http"

	coreerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
)

// For maps err to the HTTP status code this taxonomy documents.
// Unrecognized errors map to 500, matching the taxonomy's Database/Internal
// catch-all.
func For(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var validation *coreerrors.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest
	}
	var auth *coreerrors.AuthError
	if errors.As(err, &auth) {
		return http.StatusUnauthorized
	}
	var forbidden *coreerrors.ForbiddenError
	if errors.As(err, &forbidden) {
		return http.StatusForbidden
	}
	var notFound *coreerrors.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	var conflict *coreerrors.SubscriptionConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict
	}
	var credit *coreerrors.CreditInsufficientError
	if errors.As(err, &credit) {
		return http.StatusPaymentRequired
	}
	var billing *coreerrors.BillingError
	if errors.As(err, &billing) {
		return http.StatusPaymentRequired
	}
	var tooMany *coreerrors.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return http.StatusTooManyRequests
	}
	var provider *coreerrors.ProviderError
	if errors.As(err, &provider) {
		return http.StatusBadGateway
	}
	var cfg *coreerrors.ConfigError
	if errors.As(err, &cfg) {
		return http.StatusInternalServerError
	}
	var db *coreerrors.DatabaseError
	if errors.As(err, &db) {
		return http.StatusInternalServerError
	}
	var timeout *coreerrors.TimeoutError
	if errors.As(err, &timeout) {
		return http.StatusGatewayTimeout
	}

	return http.StatusInternalServerError
}

// Category returns the lowercase taxonomy name for logging/metadata, e.g.
// "validation", "auth", "external". Every type in pkg/errors implements
// ErrorClassifier, so this just unwraps to the first one in err's tree and
// asks it, instead of a type switch that has to be kept in sync with
// types.go by hand.
func Category(err error) string {
	if err == nil {
		return ""
	}
	var classifier coreerrors.ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorType()
	}
	return "internal"
}

// Retryable reports whether err, or any error it wraps, was classified by
// its ErrorClassifier as safe to retry. The provider proxy's webhook
// handler uses this to decide whether a failed webhook event is retried
// or marked permanently failed.
func Retryable(err error) bool {
	var classifier coreerrors.ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return false
}
