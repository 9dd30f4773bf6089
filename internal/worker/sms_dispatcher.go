package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relaypoint/portal-bridge/internal/alerts"
	"github.com/relaypoint/portal-bridge/internal/api"
	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/pkg/logger"
	"github.com/relaypoint/portal-bridge/internal/repository/postgres"
	"github.com/relaypoint/portal-bridge/internal/service/commands"
	"github.com/relaypoint/portal-bridge/internal/templates"
	"github.com/relaypoint/portal-bridge/internal/textbelt"
)

// recentStatusCount is how many of the user's latest texts the delivery
// confirmation lists.
const recentStatusCount = 5

// errNoRecipient means the subject named neither a phone number nor a
// stored contact.
var errNoRecipient = errors.New("no recipient in subject")

// SMSDispatcher turns unprocessed emails the interpreter declined into
// outbound texts: resolve the recipient from the subject, send through the
// gateway, poll delivery, and answer the sender with the outcome.
type SMSDispatcher struct {
	gatewayCfg config.GatewayConfig
	secret     string
	testMode   bool

	gateway  *textbelt.Client
	emails   *postgres.EmailRepo
	sms      *postgres.SMSRepo
	users    *postgres.UserRepo
	contacts *postgres.ContactRepo
	renderer *templates.Service
	replies  commands.ReplySender
	alerts   alerts.Mailer

	// quotaAlerted keeps the low-quota alert from repeating every tick;
	// it resets when the quota recovers.
	quotaAlerted atomic.Bool
}

func NewSMSDispatcher(cfg config.Config, gateway *textbelt.Client, emails *postgres.EmailRepo, sms *postgres.SMSRepo, users *postgres.UserRepo, contacts *postgres.ContactRepo, renderer *templates.Service, replies commands.ReplySender, mailer alerts.Mailer) *SMSDispatcher {
	return &SMSDispatcher{
		gatewayCfg: cfg.Gateway,
		secret:     cfg.Webhook.Secret,
		testMode:   cfg.TestMode,
		gateway:    gateway,
		emails:     emails,
		sms:        sms,
		users:      users,
		contacts:   contacts,
		renderer:   renderer,
		replies:    replies,
		alerts:     mailer,
	}
}

func (d *SMSDispatcher) Name() string { return "sms" }

func (d *SMSDispatcher) Run(ctx context.Context, bot *domain.Bot) error {
	pending, err := d.emails.ListUnprocessedByBot(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("list unprocessed emails: %w", err)
	}

	var queue []domain.Email
	for _, e := range pending {
		if !commands.Handles(e.Subject) {
			queue = append(queue, e)
		}
	}
	if len(queue) == 0 {
		return nil
	}
	if d.testMode && len(queue) > 1 {
		queue = queue[:1]
	}

	ok, err := d.quotaOK(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	log.Printf("[SMSDispatcher] bot=%s dispatching %d email(s)", bot.Name, len(queue))
	for i := range queue {
		email := &queue[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.dispatch(ctx, bot, email); err != nil {
			log.Printf("[SMSDispatcher] bot=%s email=%d: %v", bot.Name, email.ID, err)
		}
	}
	return nil
}

// quotaOK gates the batch on remaining gateway credit. At or below the
// threshold nothing is sent and the operator is alerted once per
// low-quota episode.
func (d *SMSDispatcher) quotaOK(ctx context.Context) (bool, error) {
	quota, err := d.gateway.Quota(ctx)
	if err != nil {
		return false, fmt.Errorf("check quota: %w", err)
	}
	log.Printf("[SMSDispatcher] quota remaining: %d", quota)

	if quota > d.gatewayCfg.QuotaThreshold {
		d.quotaAlerted.Store(false)
		return true, nil
	}

	log.Printf("[SMSDispatcher] quota %d at or below threshold %d, skipping dispatch", quota, d.gatewayCfg.QuotaThreshold)
	if d.quotaAlerted.CompareAndSwap(false, true) {
		subject := fmt.Sprintf("SMS quota exhausted (%d remaining)", quota)
		body := fmt.Sprintf(
			"The SMS gateway reports %d message(s) remaining against a threshold of %d. Outbound texts are paused until the quota is raised.",
			quota, d.gatewayCfg.QuotaThreshold)
		if err := d.alerts.Send(ctx, subject, body); err != nil {
			log.Printf("[SMSDispatcher] quota alert: %v", err)
			d.quotaAlerted.Store(false)
		}
	}
	return false, nil
}

func (d *SMSDispatcher) dispatch(ctx context.Context, bot *domain.Bot, email *domain.Email) error {
	user, err := d.users.Get(ctx, email.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	contact, err := d.resolveRecipient(ctx, user, email.Subject)
	if errors.Is(err, errNoRecipient) {
		// Nothing else will consume this email; answer with instructions
		// and close it out.
		d.sendTemplatedReply(ctx, bot, email, domain.TplInstructionalError, templates.Params{Name: user.DisplayName})
		d.markProcessed(ctx, email)
		return nil
	}
	if err != nil {
		return err
	}
	return d.send(ctx, bot, user, email, contact)
}

// resolveRecipient finds who the subject addresses: any phone number in
// the subject wins, then the longest stored contact name the subject
// mentions ("Text Daffy" sends to Daffy).
func (d *SMSDispatcher) resolveRecipient(ctx context.Context, user *domain.User, subject string) (*domain.Contact, error) {
	if phone, ok := domain.NormalizePhone(subject); ok {
		contact, err := d.contacts.GetByPhone(ctx, user.ID, phone)
		if err == nil {
			return contact, nil
		}
		if !errors.Is(err, commands.ErrContactNotFound) {
			return nil, err
		}
		c := &domain.Contact{
			UserID:      user.ID,
			ContactName: fmt.Sprintf("%s_%s", user.UserName, phone),
			PhoneNumber: &phone,
		}
		id, err := d.contacts.Create(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("auto-create contact: %w", err)
		}
		c.ID = id
		log.Printf("[SMSDispatcher] auto-created contact %q for user %d", c.ContactName, user.ID)
		return c, nil
	}

	stored, err := d.contacts.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	subjectLower := strings.ToLower(subject)
	var best *domain.Contact
	for i := range stored {
		c := &stored[i]
		if c.Phone() == "" {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(c.ContactName))
		if name == "" || !strings.Contains(subjectLower, name) {
			continue
		}
		if best == nil || len(c.ContactName) > len(best.ContactName) {
			best = c
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, errNoRecipient
}

func (d *SMSDispatcher) send(ctx context.Context, bot *domain.Bot, user *domain.User, email *domain.Email, contact *domain.Contact) error {
	smsID, textID, err := d.sendOnce(ctx, bot, email, contact)
	if err != nil {
		// Transport failure; the email stays unprocessed and is retried
		// next tick.
		return err
	}
	if textID == "" {
		// The gateway refused the message outright.
		d.sendTemplatedReply(ctx, bot, email, domain.TplTextNotSentError, templates.Params{
			Name:   user.DisplayName,
			Detail: contactLabel(contact),
		})
		d.markProcessed(ctx, email)
		return nil
	}

	// Processed as soon as the gateway holds the message: a crash during
	// the delivery poll must not re-send the text next tick.
	d.markProcessed(ctx, email)
	return d.trackDelivery(ctx, bot, user, email, contact, smsID, textID)
}

// sendOnce records one outbound SMS row and submits it. The row precedes
// the gateway call so an accepted text is never unrecorded; a gateway
// refusal returns an empty text id with the row already marked failed.
func (d *SMSDispatcher) sendOnce(ctx context.Context, bot *domain.Bot, email *domain.Email, contact *domain.Contact) (int64, string, error) {
	phone := contact.Phone()
	smsID, err := d.sms.Create(ctx, &domain.SMS{
		BotID:       bot.ID,
		ContactID:   contact.ID,
		EmailID:     email.ID,
		PhoneNumber: phone,
		Message:     email.Body,
		Direction:   domain.SMSOutbound,
		Status:      domain.SMSSent,
	})
	if err != nil {
		return 0, "", fmt.Errorf("record outbound sms: %w", err)
	}

	token := api.SignToken(d.secret, time.Now())
	res, err := d.gateway.Send(ctx, phone, email.Body, token)
	if err != nil {
		if uerr := d.sms.UpdateStatus(ctx, smsID, domain.SMSUnknown); uerr != nil {
			log.Printf("[SMSDispatcher] sms=%d mark unknown: %v", smsID, uerr)
		}
		return smsID, "", fmt.Errorf("gateway send: %w", err)
	}
	if !res.Success {
		log.Printf("[SMSDispatcher] gateway rejected text to %s: %s", logger.RedactPhone(phone), res.Error)
		if uerr := d.sms.UpdateStatus(ctx, smsID, domain.SMSFailed); uerr != nil {
			log.Printf("[SMSDispatcher] sms=%d mark failed: %v", smsID, uerr)
		}
		return smsID, "", nil
	}

	log.Printf("[SMSDispatcher] sent text %s to %s (quota %d)", res.TextID, logger.RedactPhone(phone), res.QuotaRemaining)
	if err := d.sms.SetExternalTextID(ctx, smsID, res.TextID); err != nil {
		log.Printf("[SMSDispatcher] sms=%d store text id: %v", smsID, err)
	}
	return smsID, res.TextID, nil
}

// trackDelivery polls the sent text to its verdict. An undelivered first
// send earns exactly one resend; the second verdict is final.
func (d *SMSDispatcher) trackDelivery(ctx context.Context, bot *domain.Bot, user *domain.User, email *domain.Email, contact *domain.Contact, smsID int64, textID string) error {
	delivered, err := d.pollStatus(ctx, smsID, textID)
	if err != nil {
		return err
	}
	if delivered {
		d.confirmDelivery(ctx, bot, user, email, contact)
		return nil
	}

	log.Printf("[SMSDispatcher] text %s not delivered, resending once", textID)
	newSMSID, newTextID, err := d.sendOnce(ctx, bot, email, contact)
	if err != nil {
		log.Printf("[SMSDispatcher] resend to %s: %v", logger.RedactPhone(contact.Phone()), err)
	} else if newTextID != "" {
		delivered, err = d.pollStatus(ctx, newSMSID, newTextID)
		if err != nil {
			return err
		}
		if delivered {
			d.confirmDelivery(ctx, bot, user, email, contact)
			return nil
		}
		smsID = newSMSID
	}

	if uerr := d.sms.UpdateStatus(ctx, smsID, domain.SMSFailed); uerr != nil {
		log.Printf("[SMSDispatcher] sms=%d mark failed: %v", smsID, uerr)
	}
	d.sendTemplatedReply(ctx, bot, email, domain.TplTextNotSentError, templates.Params{
		Name:   user.DisplayName,
		Detail: contactLabel(contact),
	})
	return nil
}

// pollStatus checks the gateway verdict up to MaxRetries times, sleeping
// the retry delay before each check. True means delivered; false means
// the budget ran out or the gateway called it failed, with the row's
// status already updated either way.
func (d *SMSDispatcher) pollStatus(ctx context.Context, smsID int64, textID string) (bool, error) {
	attempts := d.gatewayCfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := sleepCtx(ctx, d.gatewayCfg.RetryDelay()); err != nil {
			return false, err
		}
		status, err := d.gateway.Status(ctx, textID)
		if err != nil {
			log.Printf("[SMSDispatcher] status %s: %v", textID, err)
			continue
		}
		switch status {
		case textbelt.StatusDelivered:
			if err := d.sms.UpdateStatus(ctx, smsID, domain.SMSDelivered); err != nil {
				log.Printf("[SMSDispatcher] sms=%d mark delivered: %v", smsID, err)
			}
			return true, nil
		case textbelt.StatusFailed:
			if err := d.sms.UpdateStatus(ctx, smsID, domain.SMSFailed); err != nil {
				log.Printf("[SMSDispatcher] sms=%d mark failed: %v", smsID, err)
			}
			return false, nil
		default:
			// SENT, SENDING, UNKNOWN: still in flight.
		}
	}
	if err := d.sms.UpdateStatus(ctx, smsID, domain.SMSUnknown); err != nil {
		log.Printf("[SMSDispatcher] sms=%d mark unknown: %v", smsID, err)
	}
	return false, nil
}

// confirmDelivery answers the originating email with the delivery receipt
// and the user's recent text history.
func (d *SMSDispatcher) confirmDelivery(ctx context.Context, bot *domain.Bot, user *domain.User, email *domain.Email, contact *domain.Contact) {
	d.sendTemplatedReply(ctx, bot, email, domain.TplMessageSentConfirmation, templates.Params{
		Name:        user.DisplayName,
		Detail:      contactLabel(contact),
		SMSStatuses: d.recentStatuses(ctx, user.ID),
	})
}

func (d *SMSDispatcher) recentStatuses(ctx context.Context, userID int64) []string {
	recent, err := d.sms.RecentByUser(ctx, userID, recentStatusCount)
	if err != nil {
		log.Printf("[SMSDispatcher] recent texts for user %d: %v", userID, err)
		return nil
	}
	lines := make([]string, 0, len(recent))
	for _, s := range recent {
		lines = append(lines, fmt.Sprintf("%s to %s: %s",
			s.CreatedAt.Format("1/2 3:04 PM"), s.PhoneNumber, s.Status))
	}
	return lines
}

// sendTemplatedReply renders and pushes an operator message into the
// email's thread. Reply failures only log; the pusher retries internally
// and the underlying outcome is already persisted.
func (d *SMSDispatcher) sendTemplatedReply(ctx context.Context, bot *domain.Bot, email *domain.Email, key string, params templates.Params) {
	body, err := d.renderer.Render(ctx, key, params)
	if err != nil {
		log.Printf("[SMSDispatcher] render %s: %v", key, err)
		return
	}
	if err := d.replies.SendReply(ctx, bot, email, body); err != nil {
		log.Printf("[SMSDispatcher] reply %s to email %d: %v", key, email.ID, err)
	}
}

func (d *SMSDispatcher) markProcessed(ctx context.Context, email *domain.Email) {
	if email.IsProcessed {
		return
	}
	if err := d.emails.MarkProcessed(ctx, email.ID); err != nil {
		log.Printf("[SMSDispatcher] email=%d mark processed: %v", email.ID, err)
		return
	}
	email.IsProcessed = true
}

// contactLabel names a recipient for operator messages: the stored name,
// or the bare number for auto-created contacts.
func contactLabel(c *domain.Contact) string {
	if c.ContactName != "" {
		return c.ContactName
	}
	return c.Phone()
}
