package portal

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/relaypoint/portal-bridge/internal/config"
	"github.com/relaypoint/portal-bridge/internal/domain"
)

// loginRetryDelay spaces the login-page GET attempts. The Portal's edge
// throws intermittent non-200s under its anti-bot screening; the page is
// re-requested with a fresh jar until it serves.
var loginRetryDelay = 5 * time.Second

// SessionManager hands out one authenticated Session per bot and caches it
// for the rest of the tick. The scheduler's per-bot lock keeps a bot's
// stages serialized, so two logins for the same bot cannot race.
type SessionManager struct {
	cfg config.PortalConfig

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewSessionManager creates a session manager for the configured portal.
func NewSessionManager(cfg config.PortalConfig) *SessionManager {
	return &SessionManager{cfg: cfg, sessions: make(map[int64]*Session)}
}

// Get returns the bot's cached session, logging in first when none exists.
func (m *SessionManager) Get(ctx context.Context, bot *domain.Bot) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[bot.ID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.login(ctx, bot)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[bot.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Invalidate drops the bot's cached session. The next Get logs in again.
func (m *SessionManager) Invalidate(botID int64) {
	m.mu.Lock()
	delete(m.sessions, botID)
	m.mu.Unlock()
}

func (m *SessionManager) login(ctx context.Context, bot *domain.Bot) (*Session, error) {
	loginURL := m.cfg.URL(m.cfg.LoginPath)

	var sess *Session
	var doc *goquery.Document
	for attempt := 1; ; attempt++ {
		s, err := m.newSession()
		if err != nil {
			return nil, err
		}
		if attempt == 1 && m.cfg.UseProxy {
			m.logEgressIP(ctx, s, bot.Name)
		}

		resp, err := s.Get(ctx, loginURL)
		if err == nil && resp.StatusCode == http.StatusOK {
			doc, err = goquery.NewDocumentFromReader(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("parse login page: %w", err)
			}
			sess = s
			break
		}
		if err != nil {
			log.Printf("[Portal] bot=%s login page attempt %d: %v", bot.Name, attempt, err)
		} else {
			drainAndClose(resp)
			log.Printf("[Portal] bot=%s login page attempt %d: status %d", bot.Name, attempt, resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(loginRetryDelay):
		}
	}

	fields := hiddenInputs(doc)
	if _, ok := fields[m.cfg.ViewstateField]; !ok {
		log.Printf("[Portal] bot=%s login page served without %s", bot.Name, m.cfg.ViewstateField)
	}
	username, password := m.credentials(bot)
	fields[m.cfg.LoginUsernameFieldID] = username
	fields[m.cfg.LoginPasswordFieldID] = password
	fields[m.cfg.LoginButtonID] = m.cfg.LoginButtonText

	extra := http.Header{}
	extra.Set("Referer", loginURL)
	resp, err := sess.PostMultipart(ctx, loginURL, fields, extra)
	if err != nil {
		return nil, fmt.Errorf("submit login: %w", err)
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}

	log.Printf("[Portal] bot=%s logged in", bot.Name)
	return sess, nil
}

// credentials returns the login pair for the bot. The alternate pair from
// config, when toggled on, overrides every bot's own credentials.
func (m *SessionManager) credentials(bot *domain.Bot) (string, string) {
	if m.cfg.UseAlternateLogin && m.cfg.AlternateUsername != "" {
		return m.cfg.AlternateUsername, m.cfg.AlternatePassword
	}
	return bot.PortalUsername, bot.PortalPassword
}

// newSession builds a fresh jar, client, and fingerprint header set. The
// static edge cookies from config are pinned into the jar up front.
// Accept-Encoding is left to the transport: it negotiates gzip and
// decompresses transparently, which a hand-set header would disable.
func (m *SessionManager) newSession() (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	base, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse portal base url: %w", err)
	}

	transport := &http.Transport{}
	if m.cfg.UseProxy && m.cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(m.cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := http.Header{}
	headers.Set("User-Agent", m.cfg.UserAgent)
	headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	headers.Set("Accept-Language", "en-US,en;q=0.5")

	if len(m.cfg.StaticCookies) > 0 {
		cookies := make([]*http.Cookie, 0, len(m.cfg.StaticCookies))
		for name, value := range m.cfg.StaticCookies {
			cookies = append(cookies, &http.Cookie{Name: name, Value: value})
		}
		jar.SetCookies(base, cookies)
	}

	return &Session{
		client:  &http.Client{Jar: jar, Transport: transport, Timeout: m.cfg.Timeout()},
		jar:     jar,
		baseURL: base,
		headers: headers,
	}, nil
}

// logEgressIP fetches the two echo endpoints through the proxied client so
// the operator can confirm which address the Portal will see.
func (m *SessionManager) logEgressIP(ctx context.Context, s *Session, botName string) {
	for _, echoURL := range []string{m.cfg.IPEchoURL, m.cfg.IPEchoURLTLS} {
		if echoURL == "" {
			continue
		}
		resp, err := s.Get(ctx, echoURL)
		if err != nil {
			log.Printf("[Portal] bot=%s ip echo %s: %v", botName, echoURL, err)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		log.Printf("[Portal] bot=%s egress ip via %s: %s", botName, echoURL, strings.TrimSpace(string(body)))
	}
}

func hiddenInputs(doc *goquery.Document) map[string]string {
	fields := make(map[string]string)
	doc.Find(`input[type="hidden"]`).Each(func(_ int, sel *goquery.Selection) {
		name, ok := sel.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := sel.Attr("value")
		fields[name] = value
	})
	return fields
}
