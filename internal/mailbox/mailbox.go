// Package mailbox reads the invitation notifications the Portal sends to
// each bot's IMAP account. The adapter is scoped: Open, work, Close, with
// the caller holding the connection no longer than one tick.
package mailbox

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// Credentials locate one IMAP account. Host carries the port ("host:993").
type Credentials struct {
	Host     string
	Username string
	Password string
}

// Message is a fetched mailbox email reduced to the fields invite
// processing needs.
type Message struct {
	UID     uint32
	Subject string
	Body    string
}

// dialTLS is swapped in tests for a plaintext dial against a local server.
var dialTLS = func(host string) (*client.Client, error) {
	return client.DialTLS(host, nil)
}

// Mailbox is one logged-in IMAP session with the inbox selected.
type Mailbox struct {
	c *client.Client
}

// Open dials the account over TLS, logs in, and selects the inbox.
func Open(creds Credentials) (*Mailbox, error) {
	c, err := dialTLS(creds.Host)
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", creds.Host, err)
	}
	if err := c.Login(creds.Username, creds.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login %s: %w", creds.Username, err)
	}
	if _, err := c.Select("INBOX", false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("select inbox: %w", err)
	}
	return &Mailbox{c: c}, nil
}

// Close logs the session out.
func (m *Mailbox) Close() error {
	return m.c.Logout()
}

// SearchSince returns the UIDs of messages from the last daysBack days
// whose subject contains subject, newest first.
func (m *Mailbox) SearchSince(daysBack int, subject string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = time.Now().AddDate(0, 0, -daysBack)
	criteria.Header.Add("Subject", subject)

	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search %q: %w", subject, err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids, nil
}

// SearchInvites runs the primary subject search and falls back to the
// broader term when the primary finds nothing. Notification subject lines
// have changed wording before; the fallback catches the variants.
func (m *Mailbox) SearchInvites(daysBack int, primary, broader string) ([]uint32, error) {
	uids, err := m.SearchSince(daysBack, primary)
	if err != nil {
		return nil, err
	}
	if len(uids) > 0 || broader == "" {
		return uids, nil
	}
	return m.SearchSince(daysBack, broader)
}

// Fetch downloads one message in full and parses out its subject and
// plain-text body.
func (m *Mailbox) Fetch(uid uint32) (*Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		if fetched == nil {
			fetched = msg
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch %d: %w", uid, err)
	}
	if fetched == nil {
		return nil, fmt.Errorf("imap fetch %d: no message returned", uid)
	}
	r := fetched.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("imap fetch %d: server returned no body", uid)
	}

	subject, body, err := parseMessage(r)
	if err != nil {
		return nil, fmt.Errorf("imap fetch %d: %w", uid, err)
	}
	return &Message{UID: uid, Subject: subject, Body: body}, nil
}

// Delete flags the message \Deleted and expunges the mailbox.
func (m *Mailbox) Delete(uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := m.c.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("flag deleted %d: %w", uid, err)
	}
	if err := m.c.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

// parseMessage extracts the subject and the concatenated text/plain parts.
func parseMessage(r io.Reader) (subject, body string, err error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", "", fmt.Errorf("read mail: %w", err)
	}
	if subject, err = mr.Header.Subject(); err != nil {
		subject = ""
	}

	var text strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		t, _, _ := h.ContentType()
		if t == "text/plain" || t == "" {
			b, _ := io.ReadAll(p.Body)
			text.Write(b)
		}
	}
	return subject, text.String(), nil
}
