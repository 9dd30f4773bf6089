package worker

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/relaypoint/portal-bridge/internal/artifacts"
	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/portal"
	"github.com/relaypoint/portal-bridge/internal/splash"
)

// maxReplyChars is the Portal's message-length ceiling. Longer bodies are
// split; the marker room keeps each part under the ceiling after its
// continuation suffix is appended.
const (
	maxReplyChars  = 13000
	contMarkerRoom = 24
)

// ReplyPusher submits message bodies into the Portal through the rendering
// service: replies into an existing thread, or fresh messages addressed by
// name or pic number. It satisfies the interpreter's ReplySender port.
type ReplyPusher struct {
	cfg      config.Config
	sessions *portal.SessionManager
	splash   *splash.Client
	store    artifacts.Store
}

func NewReplyPusher(cfg config.Config, sessions *portal.SessionManager, splashClient *splash.Client, store artifacts.Store) *ReplyPusher {
	return &ReplyPusher{cfg: cfg, sessions: sessions, splash: splashClient, store: store}
}

// SendReply pushes body into the thread of the given email. Long bodies go
// out as multiple reply parts in order; a failed part aborts the rest so
// the caller can retry the whole body next tick.
func (p *ReplyPusher) SendReply(ctx context.Context, bot *domain.Bot, email *domain.Email, body string) error {
	sess, err := p.sessions.Get(ctx, bot)
	if err != nil {
		return fmt.Errorf("portal session: %w", err)
	}

	parts := splitReply(body)
	if len(parts) > 1 {
		log.Printf("[ReplyPusher] bot=%s message %d: body split into %d parts", bot.Name, email.PortalMessageID, len(parts))
	}
	for _, part := range parts {
		req, err := newSplashRequest(sess, p.cfg.Portal, splash.ScriptSendReply)
		if err != nil {
			return err
		}
		req.ReplyURL = fmt.Sprintf("%s?messageId=%d&type=reply",
			p.cfg.Portal.URL(p.cfg.Portal.NewMessagePath), email.PortalMessageID)
		req.MessageContent = part
		req.MessageBoxID = p.cfg.Portal.ComposeMessageBoxID
		req.SendButtonID = p.cfg.Portal.ComposeSendButtonID

		if err := p.submit(ctx, bot, req, p.cfg.Portal.MaxReplyRetries, "reply"); err != nil {
			return err
		}
	}
	return nil
}

// SendNewMessage composes a fresh Portal message. recipient is a pic
// number, or a person's name in "First Middle Last" order; the Portal's
// compose search box wants names family-name first.
func (p *ReplyPusher) SendNewMessage(ctx context.Context, bot *domain.Bot, recipient, body string) error {
	sess, err := p.sessions.Get(ctx, bot)
	if err != nil {
		return fmt.Errorf("portal session: %w", err)
	}

	req, err := newSplashRequest(sess, p.cfg.Portal, splash.ScriptSendNewMessage)
	if err != nil {
		return err
	}
	req.ReplyURL = p.cfg.Portal.URL(p.cfg.Portal.NewMessagePath)
	req.MessageContent = body
	req.MessageBoxID = p.cfg.Portal.ComposeMessageBoxID
	req.SendButtonID = p.cfg.Portal.ComposeSendButtonID
	req.PicBoxID = p.cfg.Portal.ComposePicInputID
	req.PicNumber = portalRecipient(recipient)

	return p.submit(ctx, bot, req, p.cfg.Portal.MaxNewMessageRetries, "new message")
}

// submit executes the script until it reports the message landed. The send
// succeeded only when the target element was found AND the text box was
// present; a missing box means the session no longer reaches the compose
// form, so the cached session is dropped after the budget runs out.
func (p *ReplyPusher) submit(ctx context.Context, bot *domain.Bot, req *splash.Request, attempts int, kind string) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := p.splash.Execute(ctx, req)
		if err != nil {
			lastErr = err
			log.Printf("[ReplyPusher] bot=%s %s attempt %d: %v", bot.Name, kind, attempt, err)
			continue
		}
		if p.cfg.TestMode {
			saveSplashArtifacts(ctx, p.store, strings.ReplaceAll(kind, " ", "_"), res)
		}
		if res.ElementFound && res.TextBoxFound() {
			return nil
		}
		lastErr = fmt.Errorf("element_found=%v text_box=%q error=%q",
			res.ElementFound, res.TextBoxMessage, res.ErrorMessage)
		log.Printf("[ReplyPusher] bot=%s %s attempt %d failed: %v", bot.Name, kind, attempt, lastErr)
	}

	p.sessions.Invalidate(bot.ID)
	return fmt.Errorf("%s not submitted after %d attempts: %w", kind, attempts, lastErr)
}

// splitReply chunks a body that exceeds the Portal ceiling. The first part
// goes out unmarked; later parts carry " - Cont. (i/n)" so the recipient
// can reassemble the order. Splits are rune-safe.
func splitReply(body string) []string {
	runes := []rune(body)
	if len(runes) <= maxReplyChars {
		return []string{body}
	}

	room := maxReplyChars - contMarkerRoom
	var parts []string
	for start := 0; start < len(runes); start += room {
		end := start + room
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	for i := 1; i < len(parts); i++ {
		parts[i] = fmt.Sprintf("%s - Cont. (%d/%d)", parts[i], i+1, len(parts))
	}
	return parts
}

// portalRecipient prepares a recipient for the compose search box. Pic
// numbers pass through; names arrive "First Middle Last" and the Portal
// searches by "Last First Middle".
func portalRecipient(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	digits := true
	for _, r := range s {
		if r < '0' || r > '9' {
			digits = false
			break
		}
	}
	if digits {
		return s
	}
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return s
	}
	last := fields[len(fields)-1]
	return strings.Join(append([]string{last}, fields[:len(fields)-1]...), " ")
}
