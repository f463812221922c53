package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/eternisai/enchanted-proxy/internal/domain"
)

// RequestLogRepository is the append-only sink written by the async
// logging worker pool (internal/maintenance, grounded on the teacher's
// internal/request_tracking.Service).
type RequestLogRepository struct {
	db *sql.DB
}

// Insert appends one request log row.
func (r *RequestLogRepository) Insert(ctx context.Context, l *domain.RequestLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO request_logs (id, user_id, api_key_id, provider_id, session_id, model_name, kind,
		                           prompt_tokens, completion_tokens, latency_ms, status_code, error_msg, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		l.ID, l.UserID, l.APIKeyID, l.ProviderID, l.SessionID, l.ModelName, l.Kind,
		l.PromptTokens, l.CompletionTokens, l.LatencyMS, l.StatusCode, l.ErrorMsg, l.CreatedAt)
	return err
}

// PruneOlderThan deletes rows older than retention, the daily 03:00 task
// (§4.5).
func (r *RequestLogRepository) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
