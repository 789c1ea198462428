package storage

import "context"

// schema is applied at startup with IF NOT EXISTS guards, so every
// statement must stay backward compatible with rows written by earlier
// versions. Destructive changes go through operator-run SQL instead.
const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	billing_plan_id TEXT,
	name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	provider_subscription_id TEXT,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	period_end TIMESTAMPTZ,
	is_trialing BOOLEAN NOT NULL DEFAULT FALSE,
	trial_notice_sent BOOLEAN NOT NULL DEFAULT FALSE,
	roles_to_assign TEXT[] NOT NULL DEFAULT '{}',
	roles_to_revoke TEXT[] NOT NULL DEFAULT '{}',
	cancel_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS one_active_subscription_per_user
	ON subscriptions (user_id) WHERE status = 'active';

CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_provider_subscription_id
	ON subscriptions (provider_subscription_id) WHERE provider_subscription_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS billing_plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	provider_plan_id TEXT NOT NULL,
	environment TEXT NOT NULL,
	available BOOLEAN NOT NULL DEFAULT FALSE,
	has_free_trial BOOLEAN NOT NULL DEFAULT FALSE,
	type TEXT NOT NULL,
	roles_to_assign TEXT[] NOT NULL DEFAULT '{}',
	roles_to_revoke TEXT[] NOT NULL DEFAULT '{}',
	weight INT NOT NULL DEFAULT 0,
	price TEXT NOT NULL DEFAULT '0',
	currency_code TEXT NOT NULL DEFAULT 'USD',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider_plan_id, environment)
);

CREATE TABLE IF NOT EXISTS discounts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	provider_discount_id TEXT NOT NULL,
	environment TEXT NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider_discount_id, environment)
);

CREATE TABLE IF NOT EXISTS discount_plans (
	discount_id TEXT NOT NULL REFERENCES discounts(id) ON DELETE CASCADE,
	billing_plan_id TEXT NOT NULL REFERENCES billing_plans(id) ON DELETE CASCADE,
	PRIMARY KEY (discount_id, billing_plan_id)
);

CREATE TABLE IF NOT EXISTS billing_customers (
	user_id TEXT PRIMARY KEY,
	provider_customer_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, role)
);

CREATE TABLE IF NOT EXISTS provider_events (
	id BIGSERIAL PRIMARY KEY,
	provider TEXT NOT NULL,
	provider_event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider, provider_event_id)
);

CREATE TABLE IF NOT EXISTS notification_jobs (
	id BIGSERIAL PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	subscription_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	notify_at TIMESTAMPTZ NOT NULL,
	template_data JSONB,
	traceparent TEXT NOT NULL DEFAULT '',
	tracestate TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 5,
	next_run_at TIMESTAMPTZ NOT NULL,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS notification_jobs_due
	ON notification_jobs (next_run_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS outbox_events (
	id BIGSERIAL PRIMARY KEY,
	event_id UUID NOT NULL DEFAULT gen_random_uuid(),
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	traceparent TEXT NOT NULL DEFAULT '',
	tracestate TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS outbox_events_unpublished
	ON outbox_events (id) WHERE published_at IS NULL;
`

// EnsureSchema applies the schema. Safe to run on every startup.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}
