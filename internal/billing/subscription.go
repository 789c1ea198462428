package billing

import (
	"fmt"
	"time"
)

// SubscriptionType distinguishes how a subscription is billed. Additional
// types can be registered for deployments that add their own plan kinds.
type SubscriptionType string

const (
	TypeFree           SubscriptionType = "free"
	TypePaidIndividual SubscriptionType = "paid_individual"
)

// SubscriptionStatus is the local lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
)

// Subscription is the local mirror of a subscription at the billing
// provider. Plan name, type and role lists are copied from the billing plan
// at creation time so later plan edits do not retroactively change them.
type Subscription struct {
	ID                     string
	UserID                 string
	BillingPlanID          string
	Name                   string
	Type                   SubscriptionType
	Status                 SubscriptionStatus
	ProviderSubscriptionID string
	CancelAtPeriodEnd      bool
	PeriodEnd              *time.Time
	IsTrialing             bool
	TrialNoticeSent        bool
	RolesToAssign          []string
	RolesToRevoke          []string
	CancelMessage          string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// typesRequiringProviderID lists subscription types that must carry a
// provider subscription ID. Deployments may extend the set at startup.
var typesRequiringProviderID = map[SubscriptionType]bool{
	TypePaidIndividual: true,
}

// RequireProviderID registers an additional subscription type as
// provider-tracked. Call during startup only; not safe for concurrent use.
func RequireProviderID(t SubscriptionType) {
	typesRequiringProviderID[t] = true
}

// RequiresProviderID reports whether subscriptions of type t must reference
// a remote subscription at the billing provider.
func RequiresProviderID(t SubscriptionType) bool {
	return typesRequiringProviderID[t]
}

// Validate enforces the write-time invariants on a subscription record.
// It must be called before every persist.
func (s *Subscription) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("subscription: subscribed user is required")
	}
	if s.Status != StatusActive && s.Status != StatusCanceled {
		return fmt.Errorf("subscription: invalid status %q", s.Status)
	}
	if s.CancelAtPeriodEnd && s.PeriodEnd == nil {
		return fmt.Errorf("subscription: period end date must be set when the subscription will cancel at period end")
	}
	if RequiresProviderID(s.Type) && s.ProviderSubscriptionID == "" {
		return fmt.Errorf("subscription: type %q requires a provider subscription id", s.Type)
	}
	return nil
}
