package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/relaypoint/portal-bridge/internal/templates"
)

func TestTemplateRepoGetByKey(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM response_templates").
		WithArgs("CONTACT_LIST").
		WillReturnRows(sqlmock.NewRows([]string{"id", "key", "template_text", "created_at", "updated_at"}).
			AddRow(1, "CONTACT_LIST", "Your contacts:", now, now))

	tpl, err := NewTemplateRepo(db).GetByKey(context.Background(), "CONTACT_LIST")
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if tpl.TemplateText != "Your contacts:" {
		t.Errorf("text = %q", tpl.TemplateText)
	}
}

func TestTemplateRepoGetByKeyUnknown(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM response_templates").
		WillReturnError(sql.ErrNoRows)

	_, err := NewTemplateRepo(db).GetByKey(context.Background(), "NOPE")
	if err != templates.ErrUnknownKey {
		t.Errorf("err = %v, want templates.ErrUnknownKey", err)
	}
}

func TestTemplateRepoUpsert(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO response_templates").
		WithArgs("CONTACT_LIST", "Your contacts:").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewTemplateRepo(db).Upsert(context.Background(), "CONTACT_LIST", "Your contacts:"); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
