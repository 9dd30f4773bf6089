package registry

import (
	"context"

	"github.com/relaypoint/portal-bridge/internal/domain"
)

// Repository defines the data access contract for bots.
// Implementations must be safe for concurrent use.
type Repository interface {
	// List returns bots ordered by id. When activeOnly is true, only
	// bots with is_active = true are returned.
	List(ctx context.Context, activeOnly bool) ([]domain.Bot, error)

	// Get returns a single bot. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id int64) (*domain.Bot, error)

	// GetByName returns the bot with the given unique name.
	// Returns ErrNotFound if it doesn't exist.
	GetByName(ctx context.Context, name string) (*domain.Bot, error)

	// Create inserts a new bot and returns its id.
	Create(ctx context.Context, b *domain.Bot) (int64, error)

	// Update rewrites the bot's credentials and mailbox settings.
	Update(ctx context.Context, b *domain.Bot) error

	// SetActive flips the is_active flag.
	SetActive(ctx context.Context, id int64, active bool) error

	// UpdateLastSeen advances last_seen_message_id. Values lower than the
	// stored one are ignored so replays never move the cursor backwards.
	UpdateLastSeen(ctx context.Context, id int64, messageID int64) error
}
