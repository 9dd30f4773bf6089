package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/service/registry"
)

// BotRepo implements registry.Repository against PostgreSQL.
type BotRepo struct{ db *sql.DB }

// NewBotRepo creates a Postgres-backed bot repository.
func NewBotRepo(db *sql.DB) *BotRepo { return &BotRepo{db: db} }

const botColumns = `id, name, portal_username, portal_password,
	COALESCE(imap_host,''), COALESCE(imap_username,''), COALESCE(imap_password,''),
	last_seen_message_id, is_active, created_at, updated_at`

func scanBot(row interface{ Scan(...interface{}) error }) (*domain.Bot, error) {
	b := &domain.Bot{}
	err := row.Scan(
		&b.ID, &b.Name, &b.PortalUsername, &b.PortalPassword,
		&b.IMAPHost, &b.IMAPUsername, &b.IMAPPassword,
		&b.LastSeenMessageID, &b.IsActive, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *BotRepo) List(ctx context.Context, activeOnly bool) ([]domain.Bot, error) {
	q := `SELECT ` + botColumns + ` FROM bots`
	if activeOnly {
		q += ` WHERE is_active = true`
	}
	q += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var out []domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *BotRepo) Get(ctx context.Context, id int64) (*domain.Bot, error) {
	b, err := scanBot(r.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot: %w", err)
	}
	return b, nil
}

func (r *BotRepo) GetByName(ctx context.Context, name string) (*domain.Bot, error) {
	b, err := scanBot(r.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE name = $1`, name))
	if err == sql.ErrNoRows {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot by name: %w", err)
	}
	return b, nil
}

func (r *BotRepo) Create(ctx context.Context, b *domain.Bot) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO bots
			(name, portal_username, portal_password, imap_host, imap_username,
			 imap_password, last_seen_message_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id
	`, b.Name, b.PortalUsername, b.PortalPassword, b.IMAPHost, b.IMAPUsername,
		b.IMAPPassword, b.LastSeenMessageID, b.IsActive).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create bot: %w", err)
	}
	return id, nil
}

func (r *BotRepo) Update(ctx context.Context, b *domain.Bot) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bots
		SET portal_username = $1, portal_password = $2, imap_host = $3,
		    imap_username = $4, imap_password = $5, is_active = $6,
		    updated_at = NOW()
		WHERE id = $7
	`, b.PortalUsername, b.PortalPassword, b.IMAPHost, b.IMAPUsername,
		b.IMAPPassword, b.IsActive, b.ID)
	if err != nil {
		return fmt.Errorf("update bot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *BotRepo) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bots SET is_active = $1, updated_at = NOW() WHERE id = $2
	`, active, id)
	if err != nil {
		return fmt.Errorf("set bot active: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// UpdateLastSeen never moves the cursor backwards; replayed pulls are
// absorbed by GREATEST.
func (r *BotRepo) UpdateLastSeen(ctx context.Context, id int64, messageID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bots
		SET last_seen_message_id = GREATEST(last_seen_message_id, $1),
		    updated_at = NOW()
		WHERE id = $2
	`, messageID, id)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return registry.ErrNotFound
	}
	return nil
}
