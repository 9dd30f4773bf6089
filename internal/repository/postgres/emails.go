package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaypoint/portal-bridge/internal/domain"
)

// EmailRepo stores inbound portal messages. It implements
// commands.EmailStore; the inbox puller and SMS dispatcher use the rest.
type EmailRepo struct{ db *sql.DB }

// NewEmailRepo creates a Postgres-backed email repository.
func NewEmailRepo(db *sql.DB) *EmailRepo { return &EmailRepo{db: db} }

const emailColumns = `id, bot_id, user_id, portal_message_id, sent_at,
	subject, body, is_processed, created_at, updated_at`

func scanEmail(row interface{ Scan(...interface{}) error }) (*domain.Email, error) {
	e := &domain.Email{}
	err := row.Scan(
		&e.ID, &e.BotID, &e.UserID, &e.PortalMessageID, &e.SentAt,
		&e.Subject, &e.Body, &e.IsProcessed, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Create inserts the email unless the bot has already pulled this portal
// message id. Returns false when the row was a duplicate.
func (r *EmailRepo) Create(ctx context.Context, e *domain.Email) (bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO emails
			(bot_id, user_id, portal_message_id, sent_at, subject, body,
			 is_processed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, NOW(), NOW())
		ON CONFLICT (bot_id, portal_message_id) DO NOTHING
		RETURNING id
	`, e.BotID, e.UserID, e.PortalMessageID, e.SentAt, e.Subject, e.Body).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create email: %w", err)
	}
	e.ID = id
	return true, nil
}

// Exists reports whether the bot has already stored this portal message.
// The puller checks before replaying a row postback; opening a message the
// database already holds wastes a round trip against the Portal.
func (r *EmailRepo) Exists(ctx context.Context, botID, portalMessageID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM emails WHERE bot_id = $1 AND portal_message_id = $2
		)
	`, botID, portalMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("email exists: %w", err)
	}
	return exists, nil
}

func (r *EmailRepo) Get(ctx context.Context, id int64) (*domain.Email, error) {
	e, err := scanEmail(r.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	return e, nil
}

func (r *EmailRepo) ListUnprocessedByBot(ctx context.Context, botID int64) ([]domain.Email, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+emailColumns+`
		FROM emails
		WHERE bot_id = $1 AND is_processed = false
		ORDER BY portal_message_id
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed emails: %w", err)
	}
	defer rows.Close()

	var out []domain.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *EmailRepo) MarkProcessed(ctx context.Context, emailID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE emails SET is_processed = true, updated_at = NOW() WHERE id = $1
	`, emailID)
	if err != nil {
		return fmt.Errorf("mark email processed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
