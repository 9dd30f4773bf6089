package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/relaypoint/portal-bridge/internal/artifacts"
	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/mailbox"
	"github.com/relaypoint/portal-bridge/internal/pkg/logger"
	"github.com/relaypoint/portal-bridge/internal/portal"
	"github.com/relaypoint/portal-bridge/internal/repository/postgres"
	"github.com/relaypoint/portal-bridge/internal/splash"
	"github.com/relaypoint/portal-bridge/internal/templates"
)

// Outcomes recorded per invitation code.
const (
	inviteAccepted       = "accepted"
	inviteRecordNotFound = "record_not_found"
)

// inviteMailbox is the slice of the mailbox adapter the acceptor uses.
type inviteMailbox interface {
	SearchInvites(daysBack int, primary, broader string) ([]uint32, error)
	Fetch(uid uint32) (*mailbox.Message, error)
	Delete(uid uint32) error
	Close() error
}

// welcomeSender is the slice of the reply pusher the acceptor needs.
type welcomeSender interface {
	SendNewMessage(ctx context.Context, bot *domain.Bot, recipient, body string) error
}

// InviteAcceptor scans a mailbox for Portal invitation notifications and
// spends each code on the pending-contact page. Per-bot runs read the
// bot's own mailbox; the shared operator mailbox is scanned once per tick
// through RunInfoMailbox.
type InviteAcceptor struct {
	cfg       config.Config
	sessions  *portal.SessionManager
	splash    *splash.Client
	renderer  *templates.Service
	processed *postgres.ProcessedRepo
	welcomes  welcomeSender
	store     artifacts.Store

	// openMailbox is replaced in tests with an in-memory mailbox.
	openMailbox func(mailbox.Credentials) (inviteMailbox, error)
}

func NewInviteAcceptor(cfg config.Config, sessions *portal.SessionManager, splashClient *splash.Client, renderer *templates.Service, processed *postgres.ProcessedRepo, pusher *ReplyPusher, store artifacts.Store) *InviteAcceptor {
	return &InviteAcceptor{
		cfg:       cfg,
		sessions:  sessions,
		splash:    splashClient,
		renderer:  renderer,
		processed: processed,
		welcomes:  pusher,
		store:     store,
		openMailbox: func(creds mailbox.Credentials) (inviteMailbox, error) {
			return mailbox.Open(creds)
		},
	}
}

func (a *InviteAcceptor) Name() string { return "invites" }

// Run scans the bot's own mailbox. Bots without mailbox credentials are
// covered by the shared-mailbox pass instead; accepting a code from the
// wrong account would burn it, so they must not scan the shared inbox
// themselves.
func (a *InviteAcceptor) Run(ctx context.Context, bot *domain.Bot) error {
	if !bot.HasMailbox() {
		return nil
	}
	creds := mailbox.Credentials{
		Host:     bot.IMAPHost,
		Username: bot.IMAPUsername,
		Password: bot.IMAPPassword,
	}
	return a.accept(ctx, bot, creds)
}

// RunInfoMailbox scans the shared operator mailbox, spending codes through
// the given bot's session.
func (a *InviteAcceptor) RunInfoMailbox(ctx context.Context, bot *domain.Bot) error {
	creds := mailbox.Credentials{
		Host:     a.cfg.Mailbox.Host,
		Username: a.cfg.Mailbox.Username,
		Password: a.cfg.Mailbox.Password,
	}
	return a.accept(ctx, bot, creds)
}

// pendingInvite is one deduplicated code with every mailbox UID carrying it.
type pendingInvite struct {
	invite *mailbox.Invite
	uids   []uint32
}

func (a *InviteAcceptor) accept(ctx context.Context, bot *domain.Bot, creds mailbox.Credentials) error {
	invites, err := a.collectInvites(creds)
	if err != nil {
		return err
	}
	if len(invites) == 0 {
		return nil
	}
	log.Printf("[InviteAcceptor] bot=%s mailbox=%s found %d pending invitation(s)",
		bot.Name, logger.RedactEmail(creds.Username), len(invites))

	sess, err := a.sessions.Get(ctx, bot)
	if err != nil {
		return fmt.Errorf("portal session: %w", err)
	}

	var consumed []uint32
	for _, inv := range invites {
		if err := ctx.Err(); err != nil {
			break
		}
		code := inv.invite.Code

		seen, err := a.processed.Seen(ctx, bot.ID, domain.ModuleInviteAcceptor, code)
		if err != nil {
			log.Printf("[InviteAcceptor] bot=%s code=%s seen lookup: %v", bot.Name, code, err)
			continue
		}
		if seen {
			// Already spent by this bot; the notification mail can go.
			consumed = append(consumed, inv.uids...)
			continue
		}

		res, err := a.acceptCode(ctx, sess, code)
		if err != nil {
			// Not consumed; the code is retried next tick.
			log.Printf("[InviteAcceptor] bot=%s code=%s: %v", bot.Name, code, err)
			continue
		}
		if res.IsProcessed {
			consumed = append(consumed, inv.uids...)
		}

		status := inviteRecordNotFound
		if res.ElementFound {
			status = inviteAccepted
		}
		if err := a.processed.Record(ctx, &domain.ProcessedData{
			BotID:             bot.ID,
			ModuleName:        domain.ModuleInviteAcceptor,
			OriginalMessageID: code,
			Status:            status,
		}); err != nil {
			log.Printf("[InviteAcceptor] bot=%s code=%s record outcome: %v", bot.Name, code, err)
		}
		log.Printf("[InviteAcceptor] bot=%s code=%s outcome=%s (%s)", bot.Name, code, status, res.Message)

		if res.ElementFound {
			a.sendWelcome(ctx, bot, inv.invite.FullName)
		}
	}

	if len(consumed) > 0 {
		a.deleteConsumed(creds, consumed)
	}
	return nil
}

// collectInvites opens the mailbox, parses every invitation notification,
// and groups them by code. The Portal resends notifications, so one code
// often appears in several mails; the newest parse wins and all UIDs are
// kept for cleanup.
func (a *InviteAcceptor) collectInvites(creds mailbox.Credentials) ([]pendingInvite, error) {
	mbox, err := a.openMailbox(creds)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	defer mbox.Close()

	uids, err := mbox.SearchInvites(a.cfg.Mailbox.SearchDaysBack, a.cfg.Mailbox.SearchSubject, a.cfg.Mailbox.SearchSubjectBroader)
	if err != nil {
		return nil, fmt.Errorf("search invites: %w", err)
	}

	byCode := make(map[string]int)
	var out []pendingInvite
	for _, uid := range uids {
		msg, err := mbox.Fetch(uid)
		if err != nil {
			log.Printf("[InviteAcceptor] fetch mail %d: %v", uid, err)
			continue
		}
		inv, err := mailbox.ParseInvite(msg)
		if errors.Is(err, mailbox.ErrNotInvite) {
			continue
		}
		if err != nil {
			log.Printf("[InviteAcceptor] parse mail %d: %v", uid, err)
			continue
		}
		if i, ok := byCode[inv.Code]; ok {
			out[i].uids = append(out[i].uids, uid)
			continue
		}
		byCode[inv.Code] = len(out)
		out = append(out, pendingInvite{invite: inv, uids: []uint32{uid}})
	}
	return out, nil
}

// acceptCode runs the accept script until the code is consumed or the
// attempt budget runs out. A consumed code comes back with is_processed
// set whether the acceptance landed or the Portal reported no record.
func (a *InviteAcceptor) acceptCode(ctx context.Context, sess *portal.Session, code string) (*splash.Result, error) {
	req, err := a.newAcceptRequest(sess, code)
	if err != nil {
		return nil, err
	}

	attempts := a.cfg.Portal.MaxInviteRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := a.splash.Execute(ctx, req)
		if err != nil {
			lastErr = err
			log.Printf("[InviteAcceptor] code=%s attempt %d: %v", code, attempt, err)
			continue
		}
		if a.cfg.TestMode {
			saveSplashArtifacts(ctx, a.store, "invite", res)
		}
		if res.ElementFound || res.IsProcessed {
			return res, nil
		}
		lastErr = fmt.Errorf("splash: %s", res.ErrorMessage)
		log.Printf("[InviteAcceptor] code=%s attempt %d failed: %s", code, attempt, res.ErrorMessage)
	}
	return nil, fmt.Errorf("code not consumed after %d attempts: %w", attempts, lastErr)
}

func (a *InviteAcceptor) newAcceptRequest(sess *portal.Session, code string) (*splash.Request, error) {
	req, err := newSplashRequest(sess, a.cfg.Portal, splash.ScriptAcceptInvite)
	if err != nil {
		return nil, err
	}
	p := a.cfg.Portal
	req.URL = p.URL(p.PendingContactPath)
	req.InvitationCode = code
	req.InviteCodeBoxID = p.InviteCodeBoxID
	req.InviteGoButtonID = p.InviteGoButtonID
	req.InviteAcceptButtonID = p.InviteAcceptButtonID
	req.PersonInCustodyDivID = p.PersonInCustodyDivID
	req.RecordNotFoundSpanID = p.RecordNotFoundSpanID
	return req, nil
}

// sendWelcome composes the first message to a newly accepted contact. A
// failure here is logged only; the acceptance already stands.
func (a *InviteAcceptor) sendWelcome(ctx context.Context, bot *domain.Bot, fullName string) {
	body, err := a.renderer.Render(ctx, domain.TplWelcomeStatus, templates.Params{
		Name:        fullName,
		BotAccounts: []string{bot.PortalUsername},
	})
	if err != nil {
		log.Printf("[InviteAcceptor] bot=%s render welcome for %q: %v", bot.Name, fullName, err)
		return
	}
	if err := a.welcomes.SendNewMessage(ctx, bot, fullName, body); err != nil {
		log.Printf("[InviteAcceptor] bot=%s welcome message to %q: %v", bot.Name, fullName, err)
	}
}

// deleteConsumed reopens the mailbox and removes the notification mails
// whose codes were spent. The scan connection was closed before the codes
// were processed; splash runs are slow enough to outlive an idle IMAP
// session.
func (a *InviteAcceptor) deleteConsumed(creds mailbox.Credentials, uids []uint32) {
	mbox, err := a.openMailbox(creds)
	if err != nil {
		log.Printf("[InviteAcceptor] reopen mailbox for cleanup: %v", err)
		return
	}
	defer mbox.Close()

	for _, uid := range uids {
		if err := mbox.Delete(uid); err != nil {
			log.Printf("[InviteAcceptor] delete invite mail %d: %v", uid, err)
		}
	}
}
