package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/billingkit/cashier/internal/engine"
)

func stripeEvent(t *testing.T, eventType string, created time.Time, sub map[string]any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return stripe.Event{
		ID:      "evt_1",
		Type:    stripe.EventType(eventType),
		Created: created.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func TestMapStripeEventDeleted(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	evt := stripeEvent(t, "customer.subscription.deleted", now, map[string]any{
		"id":     "psub-1",
		"status": "canceled",
	})

	n, relevant, err := mapStripeEvent(evt)
	if err != nil {
		t.Fatalf("mapStripeEvent failed: %v", err)
	}
	if !relevant {
		t.Fatalf("expected deleted event to be relevant")
	}
	if n.Kind != engine.NotificationSubscriptionExpired {
		t.Fatalf("expected expired notification, got %s", n.Kind)
	}
	if n.Subscription.ID != "psub-1" {
		t.Fatalf("expected psub-1, got %q", n.Subscription.ID)
	}
}

func TestMapStripeEventCancelAtPeriodEndDuringTrial(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	trialEnd := now.Add(5 * 24 * time.Hour)
	evt := stripeEvent(t, "customer.subscription.updated", now, map[string]any{
		"id":                   "psub-1",
		"status":               "trialing",
		"cancel_at_period_end": true,
		"trial_end":            trialEnd.Unix(),
	})

	n, relevant, err := mapStripeEvent(evt)
	if err != nil {
		t.Fatalf("mapStripeEvent failed: %v", err)
	}
	if !relevant {
		t.Fatalf("expected update to be relevant")
	}
	if n.Kind != engine.NotificationSubscriptionCanceled {
		t.Fatalf("expected canceled notification, got %s", n.Kind)
	}
	// Never billed: the period end must be absent so the reconciliation
	// core falls back to the first billing date.
	if !n.Subscription.BillingPeriodEndDate.IsZero() {
		t.Fatalf("expected zero billing period end, got %v", n.Subscription.BillingPeriodEndDate)
	}
	if !n.Subscription.FirstBillingDate.Equal(trialEnd) {
		t.Fatalf("expected first billing %v, got %v", trialEnd, n.Subscription.FirstBillingDate)
	}
}

func TestMapStripeEventTrialEnded(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	evt := stripeEvent(t, "customer.subscription.updated", now, map[string]any{
		"id":        "psub-1",
		"status":    "active",
		"trial_end": now.Add(-time.Hour).Unix(),
	})

	n, relevant, err := mapStripeEvent(evt)
	if err != nil {
		t.Fatalf("mapStripeEvent failed: %v", err)
	}
	if !relevant {
		t.Fatalf("expected trial-end update to be relevant")
	}
	if n.Kind != engine.NotificationSubscriptionTrialEnded {
		t.Fatalf("expected trial ended notification, got %s", n.Kind)
	}
}

func TestMapStripeEventIgnoresOrdinaryUpdates(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	evt := stripeEvent(t, "customer.subscription.updated", now, map[string]any{
		"id":     "psub-1",
		"status": "active",
	})

	_, relevant, err := mapStripeEvent(evt)
	if err != nil {
		t.Fatalf("mapStripeEvent failed: %v", err)
	}
	if relevant {
		t.Fatalf("expected plain update to be ignored")
	}
}

func TestMapStripeEventIgnoresUnrelatedTypes(t *testing.T) {
	evt := stripe.Event{ID: "evt_2", Type: "invoice.paid"}
	_, relevant, err := mapStripeEvent(evt)
	if err != nil {
		t.Fatalf("mapStripeEvent failed: %v", err)
	}
	if relevant {
		t.Fatalf("expected unrelated event to be ignored")
	}
}
