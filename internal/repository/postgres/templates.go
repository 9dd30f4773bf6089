package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/templates"
)

// TemplateRepo implements templates.Store against PostgreSQL.
type TemplateRepo struct{ db *sql.DB }

// NewTemplateRepo creates a Postgres-backed template repository.
func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db} }

func (r *TemplateRepo) GetByKey(ctx context.Context, key string) (*domain.ResponseTemplate, error) {
	t := &domain.ResponseTemplate{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, key, template_text, created_at, updated_at
		FROM response_templates
		WHERE key = $1
	`, key).Scan(&t.ID, &t.Key, &t.TemplateText, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, templates.ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (r *TemplateRepo) Upsert(ctx context.Context, key, text string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO response_templates (key, template_text, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (key) DO UPDATE
		SET template_text = EXCLUDED.template_text, updated_at = NOW()
	`, key, text)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

func (r *TemplateRepo) List(ctx context.Context) ([]domain.ResponseTemplate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, key, template_text, created_at, updated_at
		FROM response_templates
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []domain.ResponseTemplate
	for rows.Next() {
		var t domain.ResponseTemplate
		if err := rows.Scan(&t.ID, &t.Key, &t.TemplateText, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
