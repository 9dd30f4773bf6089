package commands

import (
	"context"

	"github.com/relaypoint/portal-bridge/internal/domain"
)

// ContactStore is the contact persistence port.
type ContactStore interface {
	// ListByUser returns all contacts owned by the user, ordered by name.
	ListByUser(ctx context.Context, userID int64) ([]domain.Contact, error)

	// GetByName returns the user's contact with exactly this name, or
	// ErrContactNotFound.
	GetByName(ctx context.Context, userID int64, name string) (*domain.Contact, error)

	// Create inserts a new contact and returns its id.
	Create(ctx context.Context, c *domain.Contact) (int64, error)

	// Update rewrites the contact's phone and email fields.
	Update(ctx context.Context, c *domain.Contact) error

	// Delete removes the contact row entirely.
	Delete(ctx context.Context, contactID int64) error
}

// UserStore is the slice of user persistence the interpreter needs.
type UserStore interface {
	// Get returns the user by id, or ErrUserNotFound.
	Get(ctx context.Context, id int64) (*domain.User, error)

	// UpdateScreenName sets the user's screen name.
	UpdateScreenName(ctx context.Context, id int64, screenName string) error

	// SetPrivateMode flips the user's private flag.
	SetPrivateMode(ctx context.Context, id int64, private bool) error
}

// EmailStore feeds the interpreter its work and records completion.
type EmailStore interface {
	// ListUnprocessedByBot returns the bot's emails with is_processed=false,
	// oldest first.
	ListUnprocessedByBot(ctx context.Context, botID int64) ([]domain.Email, error)

	// MarkProcessed sets is_processed=true on the email.
	MarkProcessed(ctx context.Context, emailID int64) error
}
