package storage

import (
	"context"
	"errors"

	"github.com/billingkit/cashier/internal/billing"
	"github.com/jackc/pgx/v5"
)

const planColumns = `
	id::text, name, description, provider_plan_id, environment, available,
	has_free_trial, type, roles_to_assign, roles_to_revoke, weight, price, currency_code`

func (r *Repository) GetPlan(ctx context.Context, id string) (billing.BillingPlan, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM billing_plans WHERE id = $1`, id)
	return scanPlan(row)
}

// ListAvailablePlans returns plans open for signup in the given
// environment, ordered by display weight.
func (r *Repository) ListAvailablePlans(ctx context.Context, env billing.Environment) ([]billing.BillingPlan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+planColumns+`
		FROM billing_plans
		WHERE environment = $1 AND available
		ORDER BY weight, name
	`, string(env))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.BillingPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlan(row pgx.Row) (billing.BillingPlan, error) {
	var p billing.BillingPlan
	var env, typ string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ProviderPlanID, &env, &p.Available,
		&p.HasFreeTrial, &typ, &p.RolesToAssign, &p.RolesToRevoke, &p.Weight, &p.Price, &p.CurrencyCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.BillingPlan{}, billing.ErrPlanNotFound
		}
		return billing.BillingPlan{}, err
	}
	p.Environment = billing.Environment(env)
	p.Type = billing.SubscriptionType(typ)
	return p, nil
}

// FindDiscount resolves a user-supplied discount code to a discount record
// with its associated plan IDs. The code is the provider discount ID, which
// is what checkout forms collect.
func (r *Repository) FindDiscount(ctx context.Context, code string, env billing.Environment) (billing.Discount, error) {
	var d billing.Discount
	var discountEnv string
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, provider_discount_id, environment, published
		FROM discounts
		WHERE provider_discount_id = $1 AND environment = $2
	`, code, string(env)).Scan(&d.ID, &d.Name, &d.ProviderDiscountID, &discountEnv, &d.Published)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Discount{}, billing.ErrInvalidDiscount
		}
		return billing.Discount{}, err
	}
	d.Environment = billing.Environment(discountEnv)

	rows, err := r.pool.Query(ctx, `
		SELECT billing_plan_id::text FROM discount_plans WHERE discount_id = $1
	`, d.ID)
	if err != nil {
		return billing.Discount{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var planID string
		if err := rows.Scan(&planID); err != nil {
			return billing.Discount{}, err
		}
		d.BillingPlanIDs = append(d.BillingPlanIDs, planID)
	}
	return d, rows.Err()
}
