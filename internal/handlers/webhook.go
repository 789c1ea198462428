package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/billingkit/cashier/internal/engine"
	"github.com/billingkit/cashier/internal/provider/stripegateway"
	"github.com/billingkit/cashier/internal/storage"
)

// ProviderWebhook ingests Stripe webhooks. Signature verification is the
// only auth on this route. The dedupe row and the reconciliation commit
// together: a failed apply rolls the dedupe back so the provider's retry
// gets a clean attempt.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.webhookSecret, h.webhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("provider webhook received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			h.logger.Info("provider webhook duplicate ignored", "provider_event_id", evt.ID, "event_type", evtType)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			_ = tx.Commit(r.Context())
			return
		}
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}

	notification, relevant, err := mapStripeEvent(evt)
	if err != nil {
		h.logger.Error("provider webhook payload malformed", "provider_event_id", evt.ID, "event_type", evtType, "err", err)
		// Commit the dedupe row; a malformed payload will not improve on
		// redelivery.
		_ = tx.Commit(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}
	if !relevant {
		_ = tx.Commit(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	if err := h.engine.ApplyWebhook(r.Context(), notification); err != nil {
		h.alerter.Alert(r.Context(), "webhook reconciliation failed",
			"provider_event_id", evt.ID,
			"event_type", evtType,
			"err", err.Error(),
		)
		http.Error(w, "failed to apply provider event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// mapStripeEvent translates a Stripe event into the canonical notification
// the reconciliation core consumes. The second return is false for event
// types the billing core does not care about.
func mapStripeEvent(evt stripe.Event) (engine.Notification, bool, error) {
	switch evt.Type {
	case "customer.subscription.deleted":
		sub, err := unmarshalSubscription(evt)
		if err != nil {
			return engine.Notification{}, false, err
		}
		return engine.Notification{
			Kind:         engine.NotificationSubscriptionExpired,
			Subscription: stripegateway.ToProviderSubscription(sub),
		}, true, nil

	case "customer.subscription.updated":
		sub, err := unmarshalSubscription(evt)
		if err != nil {
			return engine.Notification{}, false, err
		}
		if sub.CancelAtPeriodEnd {
			return engine.Notification{
				Kind:         engine.NotificationSubscriptionCanceled,
				Subscription: stripegateway.ToProviderSubscription(sub),
			}, true, nil
		}
		if sub.Status == stripe.SubscriptionStatusActive && sub.TrialEnd > 0 && sub.TrialEnd <= evt.Created {
			return engine.Notification{
				Kind:         engine.NotificationSubscriptionTrialEnded,
				Subscription: stripegateway.ToProviderSubscription(sub),
			}, true, nil
		}
		return engine.Notification{}, false, nil

	default:
		return engine.Notification{}, false, nil
	}
}

func unmarshalSubscription(evt stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
