package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/service/commands"
)

// ContactRepo implements commands.ContactStore plus the phone lookup the
// SMS dispatcher uses to resolve recipients.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

const contactColumns = `id, user_id, contact_name, phone_number, email_address,
	created_at, updated_at`

func scanContact(row interface{ Scan(...interface{}) error }) (*domain.Contact, error) {
	c := &domain.Contact{}
	err := row.Scan(
		&c.ID, &c.UserID, &c.ContactName, &c.PhoneNumber, &c.EmailAddress,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ContactRepo) Get(ctx context.Context, contactID int64) (*domain.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, contactID))
	if err == sql.ErrNoRows {
		return nil, commands.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (r *ContactRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Contact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = $1 ORDER BY contact_name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *ContactRepo) GetByName(ctx context.Context, userID int64, name string) (*domain.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = $1 AND contact_name = $2`,
		userID, name))
	if err == sql.ErrNoRows {
		return nil, commands.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact by name: %w", err)
	}
	return c, nil
}

// GetByPhone looks a contact up by canonical phone number.
func (r *ContactRepo) GetByPhone(ctx context.Context, userID int64, phone string) (*domain.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = $1 AND phone_number = $2`,
		userID, phone))
	if err == sql.ErrNoRows {
		return nil, commands.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact by phone: %w", err)
	}
	return c, nil
}

func (r *ContactRepo) Create(ctx context.Context, c *domain.Contact) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO contacts
			(user_id, contact_name, phone_number, email_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id
	`, c.UserID, c.ContactName, c.PhoneNumber, c.EmailAddress).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create contact: %w", err)
	}
	c.ID = id
	return id, nil
}

func (r *ContactRepo) Update(ctx context.Context, c *domain.Contact) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE contacts
		SET phone_number = $1, email_address = $2, updated_at = NOW()
		WHERE id = $3
	`, c.PhoneNumber, c.EmailAddress, c.ID)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return commands.ErrContactNotFound
	}
	return nil
}

func (r *ContactRepo) Delete(ctx context.Context, contactID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE id = $1`, contactID)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return commands.ErrContactNotFound
	}
	return nil
}
