package domain

import "time"

// Bot is one managed Portal identity: a login to the correspondence portal
// plus the IMAP mailbox that receives its contact invitations. Bots are
// mutated only through the registry service and are never destroyed, only
// deactivated.
type Bot struct {
	ID                int64     `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	PortalUsername    string    `json:"portal_username" db:"portal_username"`
	PortalPassword    string    `json:"-" db:"portal_password"`
	IMAPHost          string    `json:"imap_host" db:"imap_host"`
	IMAPUsername      string    `json:"imap_username" db:"imap_username"`
	IMAPPassword      string    `json:"-" db:"imap_password"`
	LastSeenMessageID int64     `json:"last_seen_message_id" db:"last_seen_message_id"`
	IsActive          bool      `json:"is_active" db:"is_active"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// HasMailbox reports whether the bot carries its own IMAP credentials.
// Bots without a mailbox rely on the shared info account for invitations.
func (b *Bot) HasMailbox() bool {
	return b.IMAPHost != "" && b.IMAPUsername != ""
}
