package billing

import "errors"

var (
	// ErrActiveSubscriptionExists is returned when creating a subscription
	// for a user who already has one with status active. The storage layer
	// maps its uniqueness constraint to this error, so concurrent creates
	// are serialized by the database rather than by application checks.
	ErrActiveSubscriptionExists = errors.New("user already has an active subscription")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPlanNotFound         = errors.New("billing plan not found")
	ErrPlanUnavailable      = errors.New("billing plan is not available for signup")
	ErrInvalidDiscount      = errors.New("discount code is not valid for this plan")

	// ErrNotProviderManaged is returned by operations that require a remote
	// subscription (swap, provider cancel) when the local record was never
	// provider-managed.
	ErrNotProviderManaged = errors.New("subscription is not managed by the billing provider")

	// ErrReconciliationInconsistency marks a divergence between local and
	// provider state that must not be auto-corrected: it is alerted to an
	// administrator and remediated manually.
	ErrReconciliationInconsistency = errors.New("local subscription state diverged from billing provider")
)
