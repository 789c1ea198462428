package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/billingkit/cashier/internal/billing"
	"github.com/billingkit/cashier/internal/outbox"
	"github.com/billingkit/cashier/internal/provider"
)

// CreateSubscription signs a user up for a provider-billed plan. The
// payment method nonce comes from the provider's client-side tokenizer and
// is single use. The provider is charged before the local record is
// written; if the local write then fails the charge is NOT reversed or
// retried, an administrator alert is raised instead.
func (e *Engine) CreateSubscription(ctx context.Context, user User, planID, paymentMethodNonce, discountCode string) (billing.Subscription, error) {
	plan, err := e.catalog.GetPlan(ctx, planID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if !plan.Available {
		return billing.Subscription{}, billing.ErrPlanUnavailable
	}

	// Cheap precheck; the database constraint is the real guard.
	if _, exists, err := e.store.ActiveSubscriptionForUser(ctx, user.ID); err != nil {
		return billing.Subscription{}, err
	} else if exists {
		return billing.Subscription{}, billing.ErrActiveSubscriptionExists
	}

	discountID, err := e.resolveDiscount(ctx, plan, discountCode)
	if err != nil {
		return billing.Subscription{}, err
	}

	customerID, token, err := e.ensureCustomerWithPaymentMethod(ctx, user, paymentMethodNonce)
	if err != nil {
		e.publishProviderError(ctx, user.ID, err)
		return billing.Subscription{}, err
	}

	remote, err := e.provider.CreateSubscription(ctx, provider.CreateSubscriptionRequest{
		CustomerID:         customerID,
		PaymentMethodToken: token,
		PlanID:             plan.ProviderPlanID,
		DiscountID:         discountID,
	})
	if err != nil {
		e.publishProviderError(ctx, user.ID, err)
		return billing.Subscription{}, err
	}

	sub := billing.Subscription{
		ID:                     uuid.NewString(),
		UserID:                 user.ID,
		BillingPlanID:          plan.ID,
		Name:                   plan.Name,
		Type:                   plan.Type,
		Status:                 billing.StatusActive,
		ProviderSubscriptionID: remote.ID,
		IsTrialing:             remote.InTrial,
		RolesToAssign:          plan.RolesToAssign,
		RolesToRevoke:          plan.RolesToRevoke,
	}
	if err := e.store.CreateSubscription(ctx, sub); err != nil {
		// The user has been charged remotely with nothing to show for it
		// locally. This is never retried automatically; an operator has to
		// reconcile by hand against the provider dashboard.
		e.alerter.Alert(ctx, "subscription created at provider but not persisted locally",
			"user_id", user.ID,
			"provider_subscription_id", remote.ID,
			"plan_id", plan.ID,
			"err", err.Error(),
		)
		return billing.Subscription{}, fmt.Errorf("%w: %v", billing.ErrReconciliationInconsistency, err)
	}

	if err := e.roles.Grant(ctx, user.ID, sub.RolesToAssign); err != nil {
		e.logger.Error("failed to grant roles after signup", "user_id", user.ID, "err", err)
	}
	e.publish(ctx, outbox.EventSubscriptionCreated, sub)
	e.logger.Info("subscription created", "subscription_id", sub.ID, "user_id", user.ID, "plan_id", plan.ID, "trialing", sub.IsTrialing)
	return sub, nil
}

// CreateManualSubscription creates a subscription with no provider backing,
// for free plans and administrative grants.
func (e *Engine) CreateManualSubscription(ctx context.Context, userID, planID string) (billing.Subscription, error) {
	plan, err := e.catalog.GetPlan(ctx, planID)
	if err != nil {
		return billing.Subscription{}, err
	}
	sub := billing.Subscription{
		ID:            uuid.NewString(),
		UserID:        userID,
		BillingPlanID: plan.ID,
		Name:          plan.Name,
		Type:          billing.TypeFree,
		Status:        billing.StatusActive,
		RolesToAssign: plan.RolesToAssign,
		RolesToRevoke: plan.RolesToRevoke,
	}
	if err := e.store.CreateSubscription(ctx, sub); err != nil {
		return billing.Subscription{}, err
	}
	if err := e.roles.Grant(ctx, userID, sub.RolesToAssign); err != nil {
		e.logger.Error("failed to grant roles for manual subscription", "user_id", userID, "err", err)
	}
	e.publish(ctx, outbox.EventSubscriptionCreated, sub)
	return sub, nil
}

// SwapSubscription moves an existing provider-billed subscription to a new
// plan. The provider prorates; locally only the plan linkage and role
// lists change. Roles are not touched because the status does not change.
func (e *Engine) SwapSubscription(ctx context.Context, subscriptionID, newPlanID, discountCode string) (billing.Subscription, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if sub.ProviderSubscriptionID == "" {
		return billing.Subscription{}, billing.ErrNotProviderManaged
	}
	plan, err := e.catalog.GetPlan(ctx, newPlanID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if !plan.Available {
		return billing.Subscription{}, billing.ErrPlanUnavailable
	}
	discountID, err := e.resolveDiscount(ctx, plan, discountCode)
	if err != nil {
		return billing.Subscription{}, err
	}

	if _, err := e.provider.UpdateSubscription(ctx, sub.ProviderSubscriptionID, provider.UpdateSubscriptionRequest{
		PlanID:     plan.ProviderPlanID,
		DiscountID: discountID,
	}); err != nil {
		e.publishProviderError(ctx, sub.UserID, err)
		return billing.Subscription{}, err
	}

	sub.BillingPlanID = plan.ID
	sub.Name = plan.Name
	sub.Type = plan.Type
	sub.RolesToAssign = plan.RolesToAssign
	sub.RolesToRevoke = plan.RolesToRevoke
	if err := e.store.UpdateSubscription(ctx, sub); err != nil {
		e.alerter.Alert(ctx, "plan swapped at provider but not persisted locally",
			"subscription_id", sub.ID,
			"provider_subscription_id", sub.ProviderSubscriptionID,
			"plan_id", plan.ID,
			"err", err.Error(),
		)
		return billing.Subscription{}, fmt.Errorf("%w: %v", billing.ErrReconciliationInconsistency, err)
	}
	e.logger.Info("subscription plan swapped", "subscription_id", sub.ID, "plan_id", plan.ID)
	return sub, nil
}

// Cancel is the user-initiated cancellation. For provider-billed
// subscriptions it cancels remotely first, then mirrors the provider's
// post-cancel state: a subscription canceled before its first real billing
// stays active until the trial period runs out, everything else is
// canceled on the spot. Canceling an already canceled subscription is a
// no-op.
func (e *Engine) Cancel(ctx context.Context, subscriptionID, cancelMessage string) (billing.Subscription, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if sub.Status == billing.StatusCanceled {
		return sub, nil
	}
	sub.CancelMessage = cancelMessage

	if sub.ProviderSubscriptionID == "" {
		return e.cancelLocally(ctx, sub)
	}

	remote, err := e.provider.CancelSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		e.publishProviderError(ctx, sub.UserID, err)
		return billing.Subscription{}, err
	}
	prev := sub.Status
	applyCanceledSnapshot(&sub, *remote)
	if err := e.persistTransition(ctx, sub, prev); err != nil {
		return billing.Subscription{}, err
	}
	e.publish(ctx, outbox.EventSubscriptionCanceledByUser, sub)
	e.logger.Info("subscription canceled by user",
		"subscription_id", sub.ID,
		"cancel_at_period_end", sub.CancelAtPeriodEnd,
	)
	return sub, nil
}

// CancelNow cancels a subscription immediately in the local store without
// contacting the provider. It backs administrative cancellation of manual
// subscriptions and cleanup after provider-side deletion.
func (e *Engine) CancelNow(ctx context.Context, subscriptionID, cancelMessage string) (billing.Subscription, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return billing.Subscription{}, err
	}
	if sub.Status == billing.StatusCanceled {
		return sub, nil
	}
	sub.CancelMessage = cancelMessage
	return e.cancelLocally(ctx, sub)
}

func (e *Engine) cancelLocally(ctx context.Context, sub billing.Subscription) (billing.Subscription, error) {
	prev := sub.Status
	sub.Status = billing.StatusCanceled
	sub.CancelAtPeriodEnd = false
	if err := e.persistTransition(ctx, sub, prev); err != nil {
		return billing.Subscription{}, err
	}
	e.publish(ctx, outbox.EventSubscriptionCanceledByUser, sub)
	return sub, nil
}

// ApplyWebhook reconciles a verified provider notification into the local
// store. All assignments are absolute provider state, so redelivered or
// reordered notifications converge to the same record. A notification for
// a subscription with no local mirror is acknowledged but alerted on,
// because the provider retries rejected webhooks forever.
func (e *Engine) ApplyWebhook(ctx context.Context, n Notification) error {
	sub, err := e.store.FindByProviderSubscriptionID(ctx, n.Subscription.ID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		e.alerter.Alert(ctx, "webhook references a subscription with no local record",
			"kind", string(n.Kind),
			"provider_subscription_id", n.Subscription.ID,
		)
		return nil
	}
	if err != nil {
		return err
	}

	prev := sub.Status
	switch n.Kind {
	case NotificationSubscriptionCanceled:
		applyCanceledSnapshot(&sub, n.Subscription)
	case NotificationSubscriptionExpired:
		sub.Status = billing.StatusCanceled
		sub.CancelAtPeriodEnd = false
	case NotificationSubscriptionTrialEnded:
		sub.IsTrialing = false
	default:
		return nil
	}
	if err := e.persistTransition(ctx, sub, prev); err != nil {
		return err
	}
	e.logger.Info("webhook reconciled",
		"kind", string(n.Kind),
		"subscription_id", sub.ID,
		"status", string(sub.Status),
	)
	return nil
}

// applyCanceledSnapshot mirrors the provider's cancellation outcome. An
// empty BillingPeriodEndDate means the subscription was canceled before
// its first real billing; the provider keeps it alive until the date the
// first billing would have happened, so the local record stays active with
// a fixed end instead of flipping to canceled.
func applyCanceledSnapshot(sub *billing.Subscription, remote provider.Subscription) {
	if remote.BillingPeriodEndDate.IsZero() {
		end := remote.FirstBillingDate
		sub.PeriodEnd = &end
		sub.CancelAtPeriodEnd = true
		return
	}
	sub.Status = billing.StatusCanceled
	sub.CancelAtPeriodEnd = false
}

// persistTransition writes the subscription and applies role effects on
// the status edge. Re-persisting the same status leaves roles alone, so a
// replayed cancellation cannot revoke twice.
func (e *Engine) persistTransition(ctx context.Context, sub billing.Subscription, prev billing.SubscriptionStatus) error {
	if err := e.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	if prev == sub.Status {
		return nil
	}
	switch sub.Status {
	case billing.StatusCanceled:
		if err := e.roles.Revoke(ctx, sub.UserID, sub.RolesToRevoke); err != nil {
			e.logger.Error("failed to revoke roles on cancellation", "user_id", sub.UserID, "err", err)
			return err
		}
	case billing.StatusActive:
		if err := e.roles.Grant(ctx, sub.UserID, sub.RolesToAssign); err != nil {
			e.logger.Error("failed to grant roles on activation", "user_id", sub.UserID, "err", err)
			return err
		}
	}
	return nil
}

func (e *Engine) resolveDiscount(ctx context.Context, plan billing.BillingPlan, code string) (string, error) {
	if code == "" {
		return "", nil
	}
	discount, err := e.catalog.FindDiscount(ctx, code, plan.Environment)
	if err != nil {
		return "", err
	}
	if !discount.AppliesTo(plan) {
		return "", billing.ErrInvalidDiscount
	}
	return discount.ProviderDiscountID, nil
}

func (e *Engine) publish(ctx context.Context, eventType string, sub billing.Subscription) {
	err := e.events.Publish(ctx, eventType, sub.ID, map[string]any{
		"subscription_id":          sub.ID,
		"user_id":                  sub.UserID,
		"plan_id":                  sub.BillingPlanID,
		"provider_subscription_id": sub.ProviderSubscriptionID,
		"type":                     string(sub.Type),
		"status":                   string(sub.Status),
		"occurred_at":              e.now().UTC(),
	})
	if err != nil {
		e.logger.Error("failed to publish subscription event", "event_type", eventType, "subscription_id", sub.ID, "err", err)
	}
}
