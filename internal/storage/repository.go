package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/billingkit/cashier/internal/billing"
	"github.com/billingkit/cashier/libs/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the durable store for local billing state. It is the single
// source of truth for subscriptions: no other component caches them.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const subscriptionColumns = `
	id::text, user_id, COALESCE(billing_plan_id, ''), name, type, status,
	COALESCE(provider_subscription_id, ''), cancel_at_period_end, period_end,
	is_trialing, trial_notice_sent, roles_to_assign, roles_to_revoke,
	COALESCE(cancel_message, ''), created_at, updated_at`

// oneActivePerUserIndex is the partial unique index that serializes
// concurrent creation attempts for the same user.
const oneActivePerUserIndex = "one_active_subscription_per_user"

// CreateSubscription inserts a new subscription row. When the row would be
// a second active subscription for the same user, the database rejects it
// and the error is mapped to billing.ErrActiveSubscriptionExists.
func (r *Repository) CreateSubscription(ctx context.Context, s billing.Subscription) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, billing_plan_id, name, type, status,
		                           provider_subscription_id, cancel_at_period_end, period_end,
		                           is_trialing, trial_notice_sent, roles_to_assign, roles_to_revoke,
		                           cancel_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, s.ID, s.UserID, nullIfEmpty(s.BillingPlanID), s.Name, string(s.Type), string(s.Status),
		nullIfEmpty(s.ProviderSubscriptionID), s.CancelAtPeriodEnd, s.PeriodEnd,
		s.IsTrialing, s.TrialNoticeSent, s.RolesToAssign, s.RolesToRevoke,
		nullIfEmpty(s.CancelMessage))
	return mapUniqueViolation(err)
}

// UpdateSubscription persists every mutable field of the subscription. The
// one-active-per-user index also guards reactivation paths.
func (r *Repository) UpdateSubscription(ctx context.Context, s billing.Subscription) error {
	if err := s.Validate(); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE subscriptions
		SET billing_plan_id = $2,
		    name = $3,
		    type = $4,
		    status = $5,
		    provider_subscription_id = $6,
		    cancel_at_period_end = $7,
		    period_end = $8,
		    is_trialing = $9,
		    trial_notice_sent = $10,
		    roles_to_assign = $11,
		    roles_to_revoke = $12,
		    cancel_message = $13,
		    updated_at = now()
		WHERE id = $1
	`, s.ID, nullIfEmpty(s.BillingPlanID), s.Name, string(s.Type), string(s.Status),
		nullIfEmpty(s.ProviderSubscriptionID), s.CancelAtPeriodEnd, s.PeriodEnd,
		s.IsTrialing, s.TrialNoticeSent, s.RolesToAssign, s.RolesToRevoke,
		nullIfEmpty(s.CancelMessage))
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrSubscriptionNotFound
	}
	return nil
}

func (r *Repository) GetSubscription(ctx context.Context, id string) (billing.Subscription, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

// FindByProviderSubscriptionID resolves a local subscription from the
// provider's ID, as embedded in webhook notifications and search results.
func (r *Repository) FindByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (billing.Subscription, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE provider_subscription_id = $1
	`, providerSubscriptionID)
	return scanSubscription(row)
}

// ActiveSubscriptionForUser returns the user's active subscription, if any.
// This is a read-only precondition check; the write-time guarantee is the
// partial unique index.
func (r *Repository) ActiveSubscriptionForUser(ctx context.Context, userID string) (billing.Subscription, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
	`, userID)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return billing.Subscription{}, false, nil
		}
		return billing.Subscription{}, false, err
	}
	return s, true, nil
}

func scanSubscription(row pgx.Row) (billing.Subscription, error) {
	var s billing.Subscription
	var typ, status string
	var periodEnd *time.Time
	err := row.Scan(&s.ID, &s.UserID, &s.BillingPlanID, &s.Name, &typ, &status,
		&s.ProviderSubscriptionID, &s.CancelAtPeriodEnd, &periodEnd,
		&s.IsTrialing, &s.TrialNoticeSent, &s.RolesToAssign, &s.RolesToRevoke,
		&s.CancelMessage, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Subscription{}, billing.ErrSubscriptionNotFound
		}
		return billing.Subscription{}, err
	}
	s.Type = billing.SubscriptionType(typ)
	s.Status = billing.SubscriptionStatus(status)
	s.PeriodEnd = periodEnd
	return s, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == oneActivePerUserIndex {
		return billing.ErrActiveSubscriptionExists
	}
	return err
}

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

// InsertProviderEvent records an inbound webhook delivery. Replays of the
// same provider event ID are rejected with ErrDuplicateProviderEvent so the
// caller can acknowledge without reapplying.
func (r *Repository) InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		// Keep a malformed payload as a hard failure: webhooks are verified
		// upstream and should be well-formed JSON.
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

// ProviderCustomerID returns the provider customer ID on file for a user,
// or empty when the user has never been a customer.
func (r *Repository) ProviderCustomerID(ctx context.Context, userID string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT provider_customer_id FROM billing_customers WHERE user_id = $1
	`, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func (r *Repository) SetProviderCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO billing_customers (user_id, provider_customer_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET provider_customer_id = EXCLUDED.provider_customer_id,
		                                    updated_at = now()
	`, userID, customerID)
	return err
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
