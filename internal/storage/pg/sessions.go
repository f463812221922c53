package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/domain"
)

// SessionRepository backs the session matcher (spec.md §4.2).
type SessionRepository struct {
	db *sql.DB
}

// FindExact implements lookup step 1: exact (user, head, tail) match on
// an active session bound to an active provider, ties broken by most
// recently accessed.
func (r *SessionRepository) FindExact(ctx context.Context, userID, headHash, tailHash string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.provider_id, s.head_hash, s.tail_hash, s.upstream_session_id,
		       s.message_count, s.status, s.expires_at, s.last_accessed_at
		FROM sessions s
		JOIN providers p ON p.id = s.provider_id
		WHERE s.user_id = $1 AND s.head_hash = $2 AND s.tail_hash = $3
		  AND s.status = 'active' AND p.status = 'active'
		ORDER BY s.last_accessed_at DESC
		LIMIT 1`, userID, headHash, tailHash)
	return scanSessionOrNil(row)
}

// FindHead implements lookup step 2: head-only match. On hit, the
// caller is responsible for updating tail_hash and last_accessed_at
// (UpdateTailHash) — this method only finds the candidate.
func (r *SessionRepository) FindHead(ctx context.Context, userID, headHash string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.provider_id, s.head_hash, s.tail_hash, s.upstream_session_id,
		       s.message_count, s.status, s.expires_at, s.last_accessed_at
		FROM sessions s
		JOIN providers p ON p.id = s.provider_id
		WHERE s.user_id = $1 AND s.head_hash = $2
		  AND s.status = 'active' AND p.status = 'active'
		ORDER BY s.last_accessed_at DESC
		LIMIT 1`, userID, headHash)
	return scanSessionOrNil(row)
}

// UpdateTailHash rewrites the tail hash and bumps last_accessed_at, the
// side effect of a head-only match (§4.2 step 2).
func (r *SessionRepository) UpdateTailHash(ctx context.Context, id, tailHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET tail_hash = $2, last_accessed_at = now() WHERE id = $1`, id, tailHash)
	return err
}

// CountActiveForUser counts a user's active sessions, for the
// max-per-user eviction check on creation.
func (r *SessionRepository) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM sessions WHERE user_id = $1 AND status = 'active'`, userID).Scan(&n)
	return n, err
}

// DeleteOldestActiveForUser evicts the least-recently-accessed active
// session for a user, used when the max-per-user cap is reached.
func (r *SessionRepository) DeleteOldestActiveForUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id = (
			SELECT id FROM sessions WHERE user_id = $1 AND status = 'active'
			ORDER BY last_accessed_at ASC LIMIT 1
		)`, userID)
	return err
}

// Insert creates a new session row.
func (r *SessionRepository) Insert(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, provider_id, head_hash, tail_hash, upstream_session_id,
		                       message_count, status, expires_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.UserID, s.ProviderID, s.HeadHash, s.TailHash, s.UpstreamSessionID,
		s.MessageCount, s.Status, s.ExpiresAt, s.LastAccessedAt)
	return err
}

// SetUpstreamSessionID fills the upstream session id once, after the
// first successful upstream round trip (§3: "once set is not overwritten
// except on migration" — callers only invoke this when the field is nil).
func (r *SessionRepository) SetUpstreamSessionID(ctx context.Context, id, upstreamSessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET upstream_session_id = $2 WHERE id = $1 AND upstream_session_id IS NULL`,
		id, upstreamSessionID)
	return err
}

// RecordMessage increments message_count and pushes expires_at forward
// on every successful exchange (§4.2 message counting).
func (r *SessionRepository) RecordMessage(ctx context.Context, id string, ttl time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			message_count = message_count + 1,
			last_accessed_at = now(),
			expires_at = now() + $2::interval
		WHERE id = $1`, id, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	return err
}

// MarkMigrated transitions a session to migrated status, the first half
// of the migration procedure (§4.2).
func (r *SessionRepository) MarkMigrated(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = 'migrated' WHERE id = $1`, id)
	return err
}

// DeleteExpiredOrTerminal implements the 5-minute sweep (§4.5): delete
// sessions past expiry or already in a terminal status.
func (r *SessionRepository) DeleteExpiredOrTerminal(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE expires_at < now() OR status IN ('expired', 'migrated')`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSessionOrNil(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.UserID, &s.ProviderID, &s.HeadHash, &s.TailHash, &s.UpstreamSessionID,
		&s.MessageCount, &s.Status, &s.ExpiresAt, &s.LastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}
