package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaypoint/portal-bridge/internal/domain"
)

// SMSRepo stores text messages in both directions. The dispatcher writes
// outbound rows, the webhook writes inbound rows, the reply pusher drains
// unprocessed inbound rows.
type SMSRepo struct{ db *sql.DB }

// NewSMSRepo creates a Postgres-backed SMS repository.
func NewSMSRepo(db *sql.DB) *SMSRepo { return &SMSRepo{db: db} }

const smsColumns = `id, bot_id, contact_id, email_id, phone_number, message,
	external_text_id, direction, status, is_processed, created_at, updated_at`

func scanSMS(row interface{ Scan(...interface{}) error }) (*domain.SMS, error) {
	s := &domain.SMS{}
	err := row.Scan(
		&s.ID, &s.BotID, &s.ContactID, &s.EmailID, &s.PhoneNumber, &s.Message,
		&s.ExternalTextID, &s.Direction, &s.Status, &s.IsProcessed,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SMSRepo) Create(ctx context.Context, s *domain.SMS) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sms
			(bot_id, contact_id, email_id, phone_number, message,
			 external_text_id, direction, status, is_processed,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id
	`, s.BotID, s.ContactID, s.EmailID, s.PhoneNumber, s.Message,
		s.ExternalTextID, s.Direction, s.Status, s.IsProcessed).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create sms: %w", err)
	}
	s.ID = id
	return id, nil
}

func (r *SMSRepo) Get(ctx context.Context, id int64) (*domain.SMS, error) {
	s, err := scanSMS(r.db.QueryRowContext(ctx,
		`SELECT `+smsColumns+` FROM sms WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sms: %w", err)
	}
	return s, nil
}

// GetOutboundByTextID resolves a gateway text id to the outbound message it
// was assigned to. The newest row wins if a resend reused the id.
func (r *SMSRepo) GetOutboundByTextID(ctx context.Context, textID string) (*domain.SMS, error) {
	s, err := scanSMS(r.db.QueryRowContext(ctx, `
		SELECT `+smsColumns+`
		FROM sms
		WHERE direction = 'outbound' AND external_text_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, textID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sms by text id: %w", err)
	}
	return s, nil
}

// InboundExists reports whether this webhook delivery was already recorded.
func (r *SMSRepo) InboundExists(ctx context.Context, textID, message string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sms
			WHERE direction = 'inbound' AND external_text_id = $1 AND message = $2
		)
	`, textID, message).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check inbound sms: %w", err)
	}
	return exists, nil
}

func (r *SMSRepo) UpdateStatus(ctx context.Context, id int64, status domain.SMSStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sms SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("update sms status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExternalTextID records the gateway's id for an accepted send.
func (r *SMSRepo) SetExternalTextID(ctx context.Context, id int64, textID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sms SET external_text_id = $1, updated_at = NOW() WHERE id = $2
	`, textID, id)
	if err != nil {
		return fmt.Errorf("set sms text id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SMSRepo) MarkProcessed(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sms SET is_processed = true, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark sms processed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnprocessedInbound returns the bot's inbound texts that have not been
// pushed back into the Portal yet, oldest first.
func (r *SMSRepo) ListUnprocessedInbound(ctx context.Context, botID int64) ([]domain.SMS, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+smsColumns+`
		FROM sms
		WHERE bot_id = $1 AND direction = 'inbound' AND is_processed = false
		ORDER BY id
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("list inbound sms: %w", err)
	}
	defer rows.Close()

	var out []domain.SMS
	for rows.Next() {
		s, err := scanSMS(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sms: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// RecentByUser returns the user's newest outbound texts, newest first, for
// status summaries.
func (r *SMSRepo) RecentByUser(ctx context.Context, userID int64, limit int) ([]domain.SMS, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.bot_id, s.contact_id, s.email_id, s.phone_number,
		       s.message, s.external_text_id, s.direction, s.status,
		       s.is_processed, s.created_at, s.updated_at
		FROM sms s
		JOIN contacts c ON c.id = s.contact_id
		WHERE c.user_id = $1 AND s.direction = 'outbound'
		ORDER BY s.id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sms: %w", err)
	}
	defer rows.Close()

	var out []domain.SMS
	for rows.Next() {
		s, err := scanSMS(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sms: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
