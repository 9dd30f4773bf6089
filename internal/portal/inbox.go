package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/relaypoint/portal-bridge/internal/config"
)

// FormState is the page's compressed viewstate, carried opaquely between
// the inbox GET and the row postbacks. It is rebuilt from a fresh page
// rather than mutated.
type FormState string

// InboxRow is one message row from the inbox grid. Index is the row's
// position in the grid and becomes the rc{index} postback argument.
type InboxRow struct {
	Index     int
	MessageID int64
	From      string
	Subject   string
	DateText  string
}

// InboxPage is a parsed inbox: the form state plus the visible rows.
type InboxPage struct {
	State FormState
	Rows  []InboxRow
}

// Message is a fully opened Portal message. Body holds only the newest
// segment of the thread; quoted history is already stripped.
type Message struct {
	MessageID int64
	From      string
	DateText  string
	Subject   string
	Body      string
}

// Inbox reads the Portal inbox grid and opens rows through the WebForms
// AJAX postback the grid uses for its own row clicks.
type Inbox struct {
	cfg     config.PortalConfig
	rowIDRe *regexp.Regexp
	panelRe *regexp.Regexp
}

func NewInbox(cfg config.PortalConfig) *Inbox {
	return &Inbox{
		cfg:     cfg,
		rowIDRe: regexp.MustCompile(`(?i)Command="REPLY"\s+MessageId="(\d+)"|messageid="(\d+)"`),
		panelRe: regexp.MustCompile(`(?s)\|updatePanel\|` + regexp.QuoteMeta(cfg.UpdatePanelID) + `\|(.*?)\|`),
	}
}

// FetchPage GETs the inbox and parses it into rows plus form state.
func (i *Inbox) FetchPage(ctx context.Context, sess *Session) (*InboxPage, error) {
	inboxURL := i.cfg.URL(i.cfg.InboxPath)
	resp, err := sess.Get(ctx, inboxURL)
	if err != nil {
		return nil, fmt.Errorf("get inbox: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		drainAndClose(resp)
		return nil, fmt.Errorf("get inbox: status %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	return i.ParsePage(resp.Body)
}

// ParsePage extracts the compressed viewstate and the message rows from
// inbox HTML. Rows whose markup carries no message id are skipped.
func (i *Inbox) ParsePage(r io.Reader) (*InboxPage, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse inbox html: %w", err)
	}

	state, ok := doc.Find(fmt.Sprintf("input[name=%q]", i.cfg.ViewstateField)).Attr("value")
	if !ok || state == "" {
		return nil, ErrNoViewState
	}

	page := &InboxPage{State: FormState(state)}
	doc.Find(i.cfg.RowsSelector).Each(func(idx int, row *goquery.Selection) {
		html, err := goquery.OuterHtml(row)
		if err != nil {
			return
		}
		id, ok := i.rowMessageID(html)
		if !ok {
			return
		}
		page.Rows = append(page.Rows, InboxRow{
			Index:     idx,
			MessageID: id,
			From:      strings.TrimSpace(row.Find(i.cfg.RowFromSelector).Text()),
			Subject:   strings.TrimSpace(row.Find(i.cfg.RowSubjectSelector).Text()),
			DateText:  strings.TrimSpace(row.Find(i.cfg.RowDateSelector).Text()),
		})
	})
	return page, nil
}

func (i *Inbox) rowMessageID(html string) (int64, bool) {
	m := i.rowIDRe.FindStringSubmatch(html)
	if m == nil {
		return 0, false
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// FetchMessage opens one row by replaying the grid's rc{index} postback
// and parses the update-panel slice of the AJAX delta.
func (i *Inbox) FetchMessage(ctx context.Context, sess *Session, state FormState, row InboxRow) (*Message, error) {
	inboxURL := i.cfg.URL(i.cfg.InboxPath)
	fields := map[string]string{
		"__EVENTTARGET":        i.cfg.InboxEventTarget,
		"__EVENTARGUMENT":      fmt.Sprintf("rc%d", row.Index),
		i.cfg.ViewstateField:   string(state),
		"__ASYNCPOST":          "true",
		i.cfg.ScriptManagerKey: i.cfg.ScriptManagerValue,
	}

	extra := http.Header{}
	extra.Set("X-MicrosoftAjax", "Delta=true")
	extra.Set("X-Requested-With", "XMLHttpRequest")
	extra.Set("Referer", inboxURL)
	extra.Set("Accept", "*/*")

	resp, err := sess.PostMultipart(ctx, inboxURL, fields, extra)
	if err != nil {
		return nil, fmt.Errorf("postback row %d: %w", row.Index, err)
	}
	if resp.StatusCode != http.StatusOK {
		drainAndClose(resp)
		return nil, fmt.Errorf("postback row %d: status %d", row.Index, resp.StatusCode)
	}
	defer resp.Body.Close()

	delta, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read postback delta: %w", err)
	}
	m := i.panelRe.FindSubmatch(delta)
	if m == nil {
		return nil, ErrNoUpdatePanel
	}

	msg, err := i.ParsePanel(string(m[1]))
	if err != nil {
		return nil, err
	}
	msg.MessageID = row.MessageID
	return msg, nil
}

// ParsePanel reads the opened-message detail fields out of the update
// panel HTML. The detail controls render sometimes as spans and sometimes
// as inputs, so the value attribute is the fallback.
func (i *Inbox) ParsePanel(html string) (*Message, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse update panel: %w", err)
	}

	field := func(id string) string {
		sel := doc.Find("#" + id)
		if text := strings.TrimSpace(sel.Text()); text != "" {
			return text
		}
		value, _ := sel.Attr("value")
		return strings.TrimSpace(value)
	}

	return &Message{
		From:     field(i.cfg.FromTextBoxID),
		DateText: field(i.cfg.DateTextBoxID),
		Subject:  field(i.cfg.SubjectTextBoxID),
		Body:     LatestSegment(field(i.cfg.MessageTextBoxID)),
	}, nil
}

// Reply indicators, applied in order. The first one that matches cuts the
// body; everything from the match onward is quoted history.
var replyMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?is)-----.*?on \d{1,2}/\d{1,2}/\d{4} \d{1,2}:\d{2} (?:AM|PM) wrote:`),
	regexp.MustCompile(`(?im)^[^\n]*? on \d{1,2}/\d{1,2}/\d{4} \d{1,2}:\d{2} (?:AM|PM) wrote`),
	regexp.MustCompile(`(?m)^>`),
}

// LatestSegment strips quoted reply history, keeping only the text before
// the first reply indicator.
func LatestSegment(body string) string {
	for _, re := range replyMarkers {
		if loc := re.FindStringIndex(body); loc != nil {
			return strings.TrimSpace(body[:loc[0]])
		}
	}
	return strings.TrimSpace(body)
}

// ParseSender splits a Portal from field of the form
// "Display Name (12345678)" into its display name and pic number.
func ParseSender(from string) (display, pic string, ok bool) {
	idx := strings.LastIndex(from, " (")
	if idx < 0 || !strings.HasSuffix(from, ")") {
		return "", "", false
	}
	display = strings.TrimSpace(from[:idx])
	pic = strings.TrimSpace(from[idx+2 : len(from)-1])
	if display == "" || pic == "" {
		return "", "", false
	}
	return display, pic, true
}

// The inbox grid omits seconds; the message detail view includes them.
var portalDateLayouts = []string{"1/2/2006 3:04:05 PM", "1/2/2006 3:04 PM", "1/2/2006"}

// ParseDate parses the Portal's message timestamp. Times are site-local;
// no zone is attached.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range portalDateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parse portal date %q: %w", s, lastErr)
}
