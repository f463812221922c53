package pg

import (
	"context"
	"database/sql"
)

// APIKeyRepository touches only what the core needs from the external
// key-validation surface (spec.md §1 Non-goals): the daily counter
// reset named in the maintenance loop (§4.5).
type APIKeyRepository struct {
	db *sql.DB
}

// ResetDailyUsage zeroes daily_usage on every key, the 00:00 task.
func (r *APIKeyRepository) ResetDailyUsage(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET daily_usage = 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
