package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/repository/postgres"
	"github.com/relaypoint/portal-bridge/internal/service/commands"
	"github.com/relaypoint/portal-bridge/internal/templates"
)

// InboundRelay delivers gateway replies back into the Portal thread they
// answer. The webhook records inbound texts as they arrive; this stage
// drains the unprocessed ones each tick.
type InboundRelay struct {
	sms      *postgres.SMSRepo
	emails   *postgres.EmailRepo
	contacts *postgres.ContactRepo
	renderer *templates.Service
	replies  commands.ReplySender
}

func NewInboundRelay(sms *postgres.SMSRepo, emails *postgres.EmailRepo, contacts *postgres.ContactRepo, renderer *templates.Service, replies commands.ReplySender) *InboundRelay {
	return &InboundRelay{sms: sms, emails: emails, contacts: contacts, renderer: renderer, replies: replies}
}

func (r *InboundRelay) Name() string { return "push" }

// Run relays each unprocessed inbound SMS. A relay that fails is left
// unprocessed and picked up again next tick.
func (r *InboundRelay) Run(ctx context.Context, bot *domain.Bot) error {
	inbound, err := r.sms.ListUnprocessedInbound(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("list inbound sms: %w", err)
	}
	if len(inbound) == 0 {
		return nil
	}
	log.Printf("[ReplyPusher] bot=%s relaying %d inbound text(s)", bot.Name, len(inbound))

	for i := range inbound {
		sms := &inbound[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.relay(ctx, bot, sms); err != nil {
			log.Printf("[ReplyPusher] bot=%s sms=%d: %v", bot.Name, sms.ID, err)
			continue
		}
		if err := r.sms.MarkProcessed(ctx, sms.ID); err != nil {
			log.Printf("[ReplyPusher] bot=%s sms=%d mark processed: %v", bot.Name, sms.ID, err)
		}
	}
	return nil
}

func (r *InboundRelay) relay(ctx context.Context, bot *domain.Bot, sms *domain.SMS) error {
	email, err := r.emails.Get(ctx, sms.EmailID)
	if err != nil {
		return fmt.Errorf("load originating email: %w", err)
	}

	// The sender name on the relayed text; the raw number stands in when
	// the contact row is gone.
	name := sms.PhoneNumber
	if contact, err := r.contacts.Get(ctx, sms.ContactID); err == nil {
		name = contact.ContactName
	}

	body, err := r.renderer.Render(ctx, domain.TplFamilyTextToCL, templates.Params{
		Name:   name,
		Detail: sms.Message,
	})
	if err != nil {
		return fmt.Errorf("render relay body: %w", err)
	}
	return r.replies.SendReply(ctx, bot, email, body)
}
