// Package provider defines the client interface the reconciliation core
// needs from the external billing gateway, together with the provider-side
// record shapes it consumes. Implementations live in subpackages.
package provider

import (
	"context"
	"time"
)

// SubscriptionStatus is the provider's view of a subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
)

// Subscription is a snapshot of a subscription as the provider reports it,
// either from a direct API call or embedded in a webhook notification.
type Subscription struct {
	ID     string
	PlanID string
	Status SubscriptionStatus
	// InTrial reports whether the subscription is inside a free-trial
	// period, i.e. no bill has been charged yet.
	InTrial bool
	// FirstBillingDate is when the first charge occurs (trial end for
	// trialing subscriptions). Zero when the provider did not report it.
	FirstBillingDate time.Time
	// BillingPeriodEndDate is the end of the current paid period. It is
	// zero for subscriptions that have never been billed.
	BillingPeriodEndDate time.Time
	NextBillingDate      time.Time
	// NextBillingAmount is the upcoming charge as a decimal string in
	// CurrencyCode units.
	NextBillingAmount  string
	CurrencyCode       string
	PaymentMethodToken string
}

// Customer is the provider's customer record for a site user.
type Customer struct {
	ID             string
	Email          string
	Name           string
	PaymentMethods []PaymentMethod
}

// PaymentMethod is a stored payment instrument at the provider.
type PaymentMethod struct {
	Token   string
	Type    string
	Default bool
}

// CustomerProfile carries the user attributes sent when creating a
// provider customer.
type CustomerProfile struct {
	Email string
	Name  string
}

// CreateSubscriptionRequest describes a new remote subscription. The
// provider applies its own proration and trial rules.
type CreateSubscriptionRequest struct {
	CustomerID         string
	PaymentMethodToken string
	PlanID             string
	DiscountID         string
}

// UpdateSubscriptionRequest mutates an existing remote subscription. Zero
// fields are left unchanged.
type UpdateSubscriptionRequest struct {
	PlanID             string
	PaymentMethodToken string
	DiscountID         string
}

// SearchCriteria filters provider-side subscription searches.
type SearchCriteria struct {
	Status  SubscriptionStatus
	InTrial bool
	// NextBillingBefore restricts results to subscriptions whose next
	// billing date is at or before this instant. Zero means no bound.
	NextBillingBefore time.Time
}

// Client is the synchronous interface to the billing gateway. Mutating
// calls must never be retried automatically by callers: a timed-out
// mutation may still have succeeded remotely. Read-only calls (find,
// search) are safe to retry.
type Client interface {
	CreateCustomer(ctx context.Context, profile CustomerProfile, paymentMethodNonce string) (*Customer, error)
	FindCustomer(ctx context.Context, customerID string) (*Customer, error)

	CreatePaymentMethod(ctx context.Context, customerID, paymentMethodNonce string, makeDefault bool) (*PaymentMethod, error)
	DeletePaymentMethod(ctx context.Context, token string) error

	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	UpdateSubscription(ctx context.Context, providerSubscriptionID string, req UpdateSubscriptionRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	SearchSubscriptions(ctx context.Context, criteria SearchCriteria) ([]Subscription, error)

	// GenerateClientToken returns an opaque token authorizing the checkout
	// UI to talk to the provider. Pass an empty customerID for the
	// anonymous variant used before a customer record exists.
	GenerateClientToken(ctx context.Context, customerID string) (string, error)
}
