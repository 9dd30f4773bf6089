package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaypoint/portal-bridge/internal/domain"
)

// ProcessedRepo records module completion audit rows and answers
// idempotency probes against them.
type ProcessedRepo struct{ db *sql.DB }

// NewProcessedRepo creates a Postgres-backed processed-data repository.
func NewProcessedRepo(db *sql.DB) *ProcessedRepo { return &ProcessedRepo{db: db} }

// Record upserts the audit row for (bot, module, original id); a repeat of
// the same item refreshes its status and timestamp instead of duplicating.
func (r *ProcessedRepo) Record(ctx context.Context, p *domain.ProcessedData) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_data
			(bot_id, module_name, original_message_id, status, processed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (bot_id, module_name, original_message_id) DO UPDATE
		SET status = EXCLUDED.status, processed_at = NOW()
	`, p.BotID, p.ModuleName, p.OriginalMessageID, p.Status)
	if err != nil {
		return fmt.Errorf("record processed: %w", err)
	}
	return nil
}

// Seen reports whether the module already finished this item for the bot.
func (r *ProcessedRepo) Seen(ctx context.Context, botID int64, moduleName, originalMessageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_data
			WHERE bot_id = $1 AND module_name = $2 AND original_message_id = $3
		)
	`, botID, moduleName, originalMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return exists, nil
}

// ListByBot returns the bot's audit rows, newest first, capped at limit.
func (r *ProcessedRepo) ListByBot(ctx context.Context, botID int64, limit int) ([]domain.ProcessedData, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, bot_id, module_name, original_message_id, status, processed_at
		FROM processed_data
		WHERE bot_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessedData
	for rows.Next() {
		var p domain.ProcessedData
		if err := rows.Scan(&p.ID, &p.BotID, &p.ModuleName, &p.OriginalMessageID,
			&p.Status, &p.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
