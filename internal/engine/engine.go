// Package engine implements the subscription reconciliation core: it
// applies lifecycle operations (create, swap, cancel) against the billing
// provider, keeps the local subscription mirror in sync, and derives role
// and event side effects from status transitions.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/billingkit/cashier/internal/billing"
	"github.com/billingkit/cashier/internal/outbox"
	"github.com/billingkit/cashier/internal/provider"
)

// SubscriptionStore is the durable local mirror. CreateSubscription must
// enforce the one-active-subscription-per-user constraint atomically and
// report a violation as billing.ErrActiveSubscriptionExists.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s billing.Subscription) error
	UpdateSubscription(ctx context.Context, s billing.Subscription) error
	GetSubscription(ctx context.Context, id string) (billing.Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (billing.Subscription, error)
	ActiveSubscriptionForUser(ctx context.Context, userID string) (billing.Subscription, bool, error)
}

// Catalog resolves billing plans and discount codes.
type Catalog interface {
	GetPlan(ctx context.Context, id string) (billing.BillingPlan, error)
	FindDiscount(ctx context.Context, code string, env billing.Environment) (billing.Discount, error)
}

// CustomerStore maps site users to provider customer IDs.
type CustomerStore interface {
	ProviderCustomerID(ctx context.Context, userID string) (string, error)
	SetProviderCustomerID(ctx context.Context, userID, customerID string) error
}

// RoleApplier applies role side effects. Both methods are idempotent and
// tolerate users that no longer exist.
type RoleApplier interface {
	Grant(ctx context.Context, userID string, roleIDs []string) error
	Revoke(ctx context.Context, userID string, roleIDs []string) error
}

// EventPublisher is the fire-and-forget domain event bus (at-least-once).
type EventPublisher interface {
	Publish(ctx context.Context, eventType, aggregateID string, payload map[string]any) error
}

// Alerter forwards reconciliation inconsistencies to an administrator.
type Alerter interface {
	Alert(ctx context.Context, message string, kv ...any)
}

// User carries the attributes of the billable user needed for provider
// customer creation. The user record itself is owned by the CMS.
type User struct {
	ID    string
	Email string
	Name  string
}

// NotificationKind identifies the webhook notification kinds handled by
// the reconciliation core. Other kinds are ignored upstream.
type NotificationKind string

const (
	NotificationSubscriptionCanceled   NotificationKind = "subscription_canceled"
	NotificationSubscriptionExpired    NotificationKind = "subscription_expired"
	NotificationSubscriptionTrialEnded NotificationKind = "subscription_trial_ended"
)

// Notification is a provider webhook after signature verification, carrying
// the provider's subscription snapshot at the time of the event.
type Notification struct {
	Kind         NotificationKind
	Subscription provider.Subscription
}

type Engine struct {
	store     SubscriptionStore
	catalog   Catalog
	customers CustomerStore
	provider  provider.Client
	roles     RoleApplier
	events    EventPublisher
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Store     SubscriptionStore
	Catalog   Catalog
	Customers CustomerStore
	Provider  provider.Client
	Roles     RoleApplier
	Events    EventPublisher
	Alerter   Alerter
	Logger    *slog.Logger
}

func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     d.Store,
		catalog:   d.Catalog,
		customers: d.Customers,
		provider:  d.Provider,
		roles:     d.Roles,
		events:    d.Events,
		alerter:   d.Alerter,
		logger:    logger,
		now:       time.Now,
	}
}

// publishProviderError reports a structured provider failure on the event
// bus so admin tooling can surface it. The raw error stays server-side.
func (e *Engine) publishProviderError(ctx context.Context, userID string, err error) {
	e.logger.Error("billing provider call failed", "user_id", userID, "kind", string(provider.KindOf(err)), "err", err)
	if pubErr := e.events.Publish(ctx, outbox.EventProviderError, userID, map[string]any{
		"user_id": userID,
		"kind":    string(provider.KindOf(err)),
		"message": provider.UserMessage(err),
	}); pubErr != nil {
		e.logger.Error("failed to publish provider error event", "err", pubErr)
	}
}
