package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/portal"
	"github.com/relaypoint/portal-bridge/internal/repository/postgres"
	"github.com/relaypoint/portal-bridge/internal/service/commands"
	"github.com/relaypoint/portal-bridge/internal/service/registry"
)

// testModeRowCap limits how many rows a test-mode pull opens; live portals
// carry long inboxes and a debugging session only needs a few.
const testModeRowCap = 3

// InboxPuller pulls new Portal messages into the emails table and then
// hands the batch to the command interpreter. Senders become users on
// first sight.
type InboxPuller struct {
	cfg      config.Config
	sessions *portal.SessionManager
	inbox    *portal.Inbox
	emails   *postgres.EmailRepo
	users    *postgres.UserRepo
	registry *registry.Service
	commands *commands.Service
}

func NewInboxPuller(cfg config.Config, sessions *portal.SessionManager, inbox *portal.Inbox, emails *postgres.EmailRepo, users *postgres.UserRepo, reg *registry.Service, interpreter *commands.Service) *InboxPuller {
	return &InboxPuller{
		cfg:      cfg,
		sessions: sessions,
		inbox:    inbox,
		emails:   emails,
		users:    users,
		registry: reg,
		commands: interpreter,
	}
}

func (p *InboxPuller) Name() string { return "pull" }

func (p *InboxPuller) Run(ctx context.Context, bot *domain.Bot) error {
	sess, err := p.sessions.Get(ctx, bot)
	if err != nil {
		return fmt.Errorf("portal session: %w", err)
	}

	page, err := p.inbox.FetchPage(ctx, sess)
	if err != nil {
		// A page without usable state almost always means the session
		// expired server-side; the next tick logs in fresh.
		p.sessions.Invalidate(bot.ID)
		return fmt.Errorf("fetch inbox: %w", err)
	}

	rows := page.Rows
	if p.cfg.TestMode && len(rows) > testModeRowCap {
		rows = rows[:testModeRowCap]
	}

	stored := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		created, err := p.pullRow(ctx, sess, bot, page.State, row)
		if err != nil {
			log.Printf("[InboxPuller] bot=%s row %d (message %d): %v", bot.Name, row.Index, row.MessageID, err)
			continue
		}
		if created {
			stored++
		}
	}
	if stored > 0 || len(rows) > 0 {
		log.Printf("[InboxPuller] bot=%s stored %d of %d row(s)", bot.Name, stored, len(rows))
	}

	// Contact-management subjects are interpreted as soon as the batch is
	// on disk; the rest wait for the dispatcher stage.
	if p.commands != nil {
		handled, err := p.commands.ProcessBatch(ctx, bot)
		if err != nil {
			log.Printf("[InboxPuller] bot=%s interpreter: %v", bot.Name, err)
		} else if handled > 0 {
			log.Printf("[InboxPuller] bot=%s interpreter handled %d email(s)", bot.Name, handled)
		}
	}
	return nil
}

// pullRow opens one grid row and persists it. Returns false when the
// message was already stored or the insert deduplicated.
func (p *InboxPuller) pullRow(ctx context.Context, sess *portal.Session, bot *domain.Bot, state portal.FormState, row portal.InboxRow) (bool, error) {
	display, pic, ok := portal.ParseSender(row.From)
	if !ok {
		return false, fmt.Errorf("unparseable sender %q", row.From)
	}

	exists, err := p.emails.Exists(ctx, bot.ID, row.MessageID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	msg, err := p.inbox.FetchMessage(ctx, sess, state, row)
	if err != nil {
		return false, fmt.Errorf("open message: %w", err)
	}

	user, err := p.users.GetOrCreate(ctx, pic, display)
	if err != nil {
		return false, fmt.Errorf("resolve sender: %w", err)
	}

	subject := msg.Subject
	if subject == "" {
		subject = row.Subject
	}

	created, err := p.emails.Create(ctx, &domain.Email{
		BotID:           bot.ID,
		UserID:          user.ID,
		PortalMessageID: row.MessageID,
		SentAt:          p.sentAt(bot, msg.DateText, row.DateText),
		Subject:         subject,
		Body:            msg.Body,
	})
	if err != nil {
		return false, err
	}

	if err := p.registry.UpdateLastSeen(ctx, bot.ID, row.MessageID); err != nil {
		log.Printf("[InboxPuller] bot=%s update last seen: %v", bot.Name, err)
	}
	return created, nil
}

// sentAt takes the detail view's timestamp over the grid's, and falls back
// to the pull time when neither parses.
func (p *InboxPuller) sentAt(bot *domain.Bot, detailDate, rowDate string) time.Time {
	for _, s := range []string{detailDate, rowDate} {
		if s == "" {
			continue
		}
		if t, err := portal.ParseDate(s); err == nil {
			return t
		}
	}
	log.Printf("[InboxPuller] bot=%s unparseable message date %q / %q", bot.Name, detailDate, rowDate)
	return time.Now()
}
