package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/domain"
)

// ProviderRepository is the persistence surface the scheduler drives.
// The two patterned conflicts named in spec.md §5 — load-counter
// increment and the outcome read-modify-write — are each expressed as a
// single conditional UPDATE statement (option (b) in §5), avoiding a
// separate row-lock transaction per call.
type ProviderRepository struct {
	db *sql.DB
}

// SelectCandidates returns the selection query's candidate set (§4.3):
// active, above the health threshold, with spare capacity, ordered by
// health then load ratio, limited to top N.
func (r *ProviderRepository) SelectCandidates(ctx context.Context, healthThreshold int, groupID *string, limit int) ([]*domain.Provider, error) {
	query := `
		SELECT id, name, group_id, csesidx, cookie_bag_cipher, max_concurrent,
		       status, health_score, current_load, consecutive_failures,
		       total_requests, failed_requests, last_success_at, last_failure_at, cooldown_until
		FROM providers
		WHERE status = 'active' AND health_score >= $1 AND current_load < max_concurrent
		  AND ($2::text IS NULL OR group_id = $2)
		ORDER BY health_score DESC, (current_load::float8 / NULLIF(max_concurrent, 0)) ASC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, healthThreshold, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SelectCandidatesExcluding is SelectCandidates with an exclude set
// layered on, for retry-with-substitution (§4.3).
func (r *ProviderRepository) SelectCandidatesExcluding(ctx context.Context, healthThreshold int, groupID *string, limit int, exclude []string) ([]*domain.Provider, error) {
	candidates, err := r.SelectCandidates(ctx, healthThreshold, groupID, limit)
	if err != nil {
		return nil, err
	}
	if len(exclude) == 0 {
		return candidates, nil
	}
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	filtered := candidates[:0]
	for _, p := range candidates {
		if !excluded[p.ID] {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// IncrementLoad atomically bumps current_load by 1, guarded so it never
// exceeds max_concurrent under concurrent acquires.
func (r *ProviderRepository) IncrementLoad(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE providers SET current_load = current_load + 1, updated_at = now()
		WHERE id = $1 AND current_load < max_concurrent`, id)
	if err != nil {
		return fmt.Errorf("increment load: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("provider %s at capacity or missing", id)
	}
	return nil
}

// DecrementLoad releases capacity, saturating at 0.
func (r *ProviderRepository) DecrementLoad(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE providers SET current_load = GREATEST(0, current_load - 1), updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("decrement load: %w", err)
	}
	return nil
}

// RecordSuccess applies the success outcome transition (§4.3).
func (r *ProviderRepository) RecordSuccess(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE providers SET
			consecutive_failures = 0,
			last_success_at = now(),
			health_score = LEAST(100, health_score + 1),
			total_requests = total_requests + 1,
			updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure applies the failure outcome transition, including the
// cooling/failed status derivation, as a single conditional UPDATE so the
// read-modify-write races safely across concurrent failures of the same
// provider (§5: terminal states are reached monotonically even if
// intermediate observations interleave).
func (r *ProviderRepository) RecordFailure(ctx context.Context, id string, failureThreshold int, cooldown time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE providers SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at = now(),
			health_score = GREATEST(0, health_score - 10),
			failed_requests = failed_requests + 1,
			total_requests = total_requests + 1,
			status = CASE
				WHEN consecutive_failures + 1 >= $2 * 2 THEN 'failed'
				WHEN consecutive_failures + 1 >= $2 THEN 'cooling'
				ELSE status
			END,
			cooldown_until = CASE
				WHEN consecutive_failures + 1 >= $2 AND consecutive_failures + 1 < $2 * 2
					THEN now() + $3::interval
				ELSE cooldown_until
			END,
			updated_at = now()
		WHERE id = $1`, id, failureThreshold, fmt.Sprintf("%d milliseconds", cooldown.Milliseconds()))
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// RecoverCooling transitions every cooling-and-expired provider back to
// active (§4.3 recovery loop), returning the number of rows affected.
func (r *ProviderRepository) RecoverCooling(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE providers SET
			status = 'active',
			consecutive_failures = 0,
			health_score = 50,
			cooldown_until = NULL,
			updated_at = now()
		WHERE status = 'cooling' AND cooldown_until <= now()`)
	if err != nil {
		return 0, fmt.Errorf("recover cooling: %w", err)
	}
	return res.RowsAffected()
}

// GetByID fetches a single provider row.
func (r *ProviderRepository) GetByID(ctx context.Context, id string) (*domain.Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, group_id, csesidx, cookie_bag_cipher, max_concurrent,
		       status, health_score, current_load, consecutive_failures,
		       total_requests, failed_requests, last_success_at, last_failure_at, cooldown_until
		FROM providers WHERE id = $1`, id)
	return scanProvider(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*domain.Provider, error) {
	var p domain.Provider
	var cookieBag []byte
	if err := row.Scan(
		&p.ID, &p.Name, &p.GroupID, &p.Credential.Csesidx, &cookieBag, &p.MaxConcurrent,
		&p.Status, &p.HealthScore, &p.CurrentLoad, &p.ConsecutiveFailures,
		&p.TotalRequests, &p.FailedRequests, &p.LastSuccessAt, &p.LastFailureAt, &p.CooldownUntil,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan provider: %w", err)
	}
	p.Credential.CookieBagCipher = cookieBag
	return &p, nil
}
