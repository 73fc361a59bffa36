package providerproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/helpful-bits/plantocode-orchestrator/internal/httpstatus"
	"github.com/helpful-bits/plantocode-orchestrator/internal/ledger"
	pkgerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// webhookLockDuration bounds how long one worker holds a webhook's
// processing lock before another is allowed to steal it, guarding
// against a crash mid-process leaving the event stuck.
const webhookLockDuration = 30 * time.Second

// webhookRetryDelay is how long ReleaseWebhookLockWithFailure schedules
// the next retry attempt after a transient processing failure.
const webhookRetryDelay = 5 * time.Minute

// billingEvent is the payload shape a payment provider's webhook posts
// to credit a user's account (e.g. a completed top-up purchase).
type billingEvent struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	UserID      string `json:"user_id"`
	AmountMicros int64  `json:"amount_micros"`
	Reference   string `json:"reference"`
}

// Webhook implements /v1/webhooks/billing: an idempotent handler for
// payment-provider callbacks. A duplicate delivery of the same event_id
// (providers routinely retry) is absorbed rather than double-credited,
// via ledger.Store's conditional-upsert lock.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ev billingEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, &pkgerrors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}
	if ev.EventID == "" || ev.UserID == "" {
		h.writeError(w, &pkgerrors.ValidationError{Field: "event_id/user_id", Message: "both are required"})
		return
	}

	_, err := h.Ledger.AcquireWebhookLock(ctx, ev.EventID, "billing", ev.EventType, "providerproxy", webhookLockDuration)
	switch {
	case errors.Is(err, ledger.ErrWebhookAlreadyCompleted):
		w.WriteHeader(http.StatusOK)
		return
	case errors.Is(err, ledger.ErrWebhookLocked):
		// Another worker owns this event right now; the provider's retry
		// will land again once its lock expires or completes.
		w.WriteHeader(http.StatusAccepted)
		return
	case err != nil:
		h.writeError(w, err)
		return
	}

	if ev.AmountMicros <= 0 {
		h.releaseWithFailure(ctx, ev.EventID, &pkgerrors.ValidationError{Field: "amount_micros", Message: "must be positive"})
		h.writeError(w, &pkgerrors.ValidationError{Field: "amount_micros", Message: "must be positive"})
		return
	}

	reference := ev.Reference
	if reference == "" {
		reference = "webhook:" + ev.EventID
	}
	if err := h.Ledger.Credit(ctx, ev.UserID, money.FromMicros(ev.AmountMicros), reference); err != nil {
		h.releaseWithFailure(ctx, ev.EventID, err)
		h.writeError(w, err)
		return
	}

	if err := h.Ledger.MarkWebhookCompleted(ctx, ev.EventID); err != nil {
		h.Log.Error("providerproxy: marking webhook completed failed", "event_id", ev.EventID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// releaseWithFailure schedules a retry for a transient failure (a ledger
// write that timed out, a database error) but marks the event
// permanently failed on the first attempt for anything httpstatus.Retryable
// classifies as non-retryable (e.g. a malformed billing event, which will
// fail identically on every redelivery a payment provider attempts).
func (h *Handler) releaseWithFailure(ctx context.Context, eventID string, cause error) {
	permanent := !httpstatus.Retryable(cause)
	if err := h.Ledger.ReleaseWebhookLockWithFailure(ctx, eventID, cause.Error(), webhookRetryDelay, permanent); err != nil {
		h.Log.Error("providerproxy: releasing webhook lock failed", "event_id", eventID, "error", err)
	}
}
