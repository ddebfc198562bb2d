package persistence

import (
	"context"
	"database/sql"
	"log/slog"
)

// Record appends an audit event to the audit_logs table. Used as the audit sink when kafka is disabled.
// Failures are logged and never returned.
func (r *PostgresRepository) Record(ctx context.Context, action string, contentID string, details string) {
	var id sql.NullString
	if contentID != "" {
		id = sql.NullString{String: contentID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO content_proof.audit_logs (content_id, action, details) VALUES ($1, $2, $3)",
		id, action, details)
	if err != nil {
		slog.Error("failed to write audit log.", slog.String("action", action),
			slog.String("content_id", contentID), slog.String("err", err.Error()))
	}
}
