package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/service/commands"
)

// UserRepo implements commands.UserStore plus the lookups the inbox puller
// needs to map portal senders onto accounts.
type UserRepo struct{ db *sql.DB }

// NewUserRepo creates a Postgres-backed user repository.
func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id, pic_number, user_name, display_name,
	COALESCE(screen_name,''), is_active, private_mode, balance,
	sms_remaining_in_period, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*domain.User, error) {
	u := &domain.User{}
	err := row.Scan(
		&u.ID, &u.PicNumber, &u.UserName, &u.DisplayName,
		&u.ScreenName, &u.IsActive, &u.PrivateMode, &u.Balance,
		&u.SMSRemaining, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *UserRepo) Get(ctx context.Context, id int64) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, commands.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *UserRepo) GetByPic(ctx context.Context, picNumber string) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE pic_number = $1`, picNumber))
	if err == sql.ErrNoRows {
		return nil, commands.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by pic: %w", err)
	}
	return u, nil
}

// GetOrCreate returns the user for the pic number, inserting a fresh
// deactivated account on first sight. Racing inserts resolve through the
// unique pic_number constraint: the loser re-reads the winner's row.
func (r *UserRepo) GetOrCreate(ctx context.Context, picNumber, displayName string) (*domain.User, error) {
	u, err := r.GetByPic(ctx, picNumber)
	if err == nil {
		return u, nil
	}
	if err != commands.ErrUserNotFound {
		return nil, err
	}

	userName := domain.BuildUserName(displayName, picNumber)
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users
			(pic_number, user_name, display_name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, false, NOW(), NOW())
		ON CONFLICT (pic_number) DO NOTHING
		RETURNING `+userColumns,
		picNumber, userName, displayName)

	u, err = scanUser(row)
	if err == sql.ErrNoRows {
		return r.GetByPic(ctx, picNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (r *UserRepo) List(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY user_name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (r *UserRepo) UpdateScreenName(ctx context.Context, id int64, screenName string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET screen_name = $1, updated_at = NOW() WHERE id = $2
	`, screenName, id)
	if err != nil {
		return fmt.Errorf("update screen name: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return commands.ErrUserNotFound
	}
	return nil
}

func (r *UserRepo) SetPrivateMode(ctx context.Context, id int64, private bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET private_mode = $1, updated_at = NOW() WHERE id = $2
	`, private, id)
	if err != nil {
		return fmt.Errorf("set private mode: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return commands.ErrUserNotFound
	}
	return nil
}

func (r *UserRepo) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET is_active = $1, updated_at = NOW() WHERE id = $2
	`, active, id)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return commands.ErrUserNotFound
	}
	return nil
}
