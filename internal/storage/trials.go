package storage

import (
	"context"

	"github.com/billingkit/cashier/internal/notify"
)

// RecordTrialNotice flips the subscription's trial notice flag and enqueues
// the notification job in one transaction, so the notice is sent at most
// once per subscription. Returns (false, nil) when the flag was already
// set, meaning a concurrent or earlier sweep won.
func (r *Repository) RecordTrialNotice(ctx context.Context, subscriptionID string, job notify.Job) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE subscriptions
		SET trial_notice_sent = true, updated_at = now()
		WHERE id = $1 AND trial_notice_sent = false
	`, subscriptionID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := notify.NewRepository().Insert(ctx, tx, job); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
