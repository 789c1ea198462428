// Package roles applies role grant/revoke side effects derived from
// subscription status transitions. Both operations are idempotent: granting
// a held role and revoking an absent role are no-ops, and a user record
// that no longer exists is not an error.
package roles

import (
	"context"

	"github.com/billingkit/cashier/libs/db"
)

type Applier struct {
	pool *db.Pool
}

func NewApplier(pool *db.Pool) *Applier {
	return &Applier{pool: pool}
}

func (a *Applier) Grant(ctx context.Context, userID string, roleIDs []string) error {
	for _, role := range roleIDs {
		if role == "" {
			continue
		}
		_, err := a.pool.Exec(ctx, `
			INSERT INTO user_roles (user_id, role)
			VALUES ($1, $2)
			ON CONFLICT (user_id, role) DO NOTHING
		`, userID, role)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) Revoke(ctx context.Context, userID string, roleIDs []string) error {
	if len(roleIDs) == 0 {
		return nil
	}
	_, err := a.pool.Exec(ctx, `
		DELETE FROM user_roles WHERE user_id = $1 AND role = ANY($2)
	`, userID, roleIDs)
	return err
}

// RolesForUser is used by access checks and tests.
func (a *Applier) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}
