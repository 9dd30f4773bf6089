package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/templates"
)

// Renderer turns a template key and parameters into a reply body.
// *templates.Service satisfies it.
type Renderer interface {
	Render(ctx context.Context, key string, params templates.Params) (string, error)
}

// ReplySender pushes a reply body into the Portal thread an email came
// from. The worker's reply pusher satisfies it.
type ReplySender interface {
	SendReply(ctx context.Context, bot *domain.Bot, email *domain.Email, body string) error
}

// maxScreenNameLen bounds user-chosen screen names.
const maxScreenNameLen = 30

// Service is the command interpreter.
type Service struct {
	contacts ContactStore
	users    UserStore
	emails   EmailStore
	renderer Renderer
	replies  ReplySender
}

// NewService wires the interpreter to its ports.
func NewService(contacts ContactStore, users UserStore, emails EmailStore, renderer Renderer, replies ReplySender) *Service {
	return &Service{contacts: contacts, users: users, emails: emails, renderer: renderer, replies: replies}
}

// outcome is a handler's reply decision: a template key plus parameters,
// or a literal body when no template applies.
type outcome struct {
	key    string
	params templates.Params
	body   string
}

// ProcessBatch runs the interpreter over every unprocessed email for the
// bot and returns how many it handled. A failure on one email is logged
// and does not stop the rest.
func (s *Service) ProcessBatch(ctx context.Context, bot *domain.Bot) (int, error) {
	emails, err := s.emails.ListUnprocessedByBot(ctx, bot.ID)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed emails: %w", err)
	}

	handled := 0
	for i := range emails {
		email := &emails[i]
		if !Handles(email.Subject) {
			continue
		}
		if err := s.ProcessEmail(ctx, bot, email); err != nil {
			log.Printf("[Commands] bot=%d email=%d: %v", bot.ID, email.ID, err)
			continue
		}
		handled++
	}
	return handled, nil
}

// ProcessEmail interprets a single email and sends the reply. Already
// processed emails are a no-op; subjects the interpreter does not own
// return ErrNotCommand.
func (s *Service) ProcessEmail(ctx context.Context, bot *domain.Bot, email *domain.Email) error {
	if email.IsProcessed {
		return nil
	}
	if !Handles(email.Subject) {
		return ErrNotCommand
	}

	user, err := s.users.Get(ctx, email.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", email.UserID, err)
	}

	cmd, rest, ok := classify(email.Subject)
	var out outcome
	switch {
	case !ok:
		out = outcome{key: domain.TplInstructionalError, params: templates.Params{Name: user.DisplayName}}
	case cmd.act == actionAdd:
		out, err = s.addContact(ctx, user, cmd.medium, rest)
	case cmd.act == actionUpdate:
		out, err = s.updateContact(ctx, user, cmd.medium, rest)
	case cmd.act == actionRemove:
		out, err = s.removeContact(ctx, user, rest)
	case cmd.act == actionList:
		out, err = s.contactList(ctx, user)
	case cmd.act == actionScreenName:
		out, err = s.setScreenName(ctx, user, email, rest)
	case cmd.act == actionPrivate:
		out, err = s.setPrivate(ctx, user)
	}
	if err != nil {
		return err
	}

	if err := s.emails.MarkProcessed(ctx, email.ID); err != nil {
		return fmt.Errorf("mark email %d processed: %w", email.ID, err)
	}

	body := out.body
	if body == "" {
		body, err = s.renderer.Render(ctx, out.key, out.params)
		if err != nil {
			return fmt.Errorf("render reply: %w", err)
		}
	}
	if err := s.replies.SendReply(ctx, bot, email, body); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	log.Printf("[Commands] bot=%d email=%d subject=%q handled", bot.ID, email.ID, email.Subject)
	return nil
}

func (s *Service) addContact(ctx context.Context, user *domain.User, med medium, rest []string) (outcome, error) {
	info := parseContactInfo(rest)

	var failed []string
	if info.Name == "" {
		failed = append(failed, "Contact name is required.")
	}
	med, detail, detailFailed := resolveDetail(med, info)
	failed = append(failed, detailFailed...)
	if len(failed) > 0 {
		return s.contactUpdate(ctx, user, nil, failed)
	}

	_, err := s.contacts.GetByName(ctx, user.ID, info.Name)
	switch {
	case err == nil:
		if med == mediumNumber {
			failed = append(failed, fmt.Sprintf("Contact number %s already exists.", detail))
		} else {
			failed = append(failed, fmt.Sprintf("Contact email %s already exists.", detail))
		}
		return s.contactUpdate(ctx, user, nil, failed)
	case !errors.Is(err, ErrContactNotFound):
		return outcome{}, fmt.Errorf("look up contact %q: %w", info.Name, err)
	}

	contact := &domain.Contact{UserID: user.ID, ContactName: info.Name}
	if med == mediumNumber {
		contact.PhoneNumber = &detail
	} else {
		contact.EmailAddress = &detail
	}
	if _, err := s.contacts.Create(ctx, contact); err != nil {
		return outcome{}, fmt.Errorf("create contact %q: %w", info.Name, err)
	}
	return s.contactUpdate(ctx, user, []string{info.Name + ": " + detail}, nil)
}

func (s *Service) updateContact(ctx context.Context, user *domain.User, med medium, rest []string) (outcome, error) {
	info := parseContactInfo(rest)

	var failed []string
	if info.Name == "" {
		failed = append(failed, "Contact name is required.")
	}
	med, detail, detailFailed := resolveDetail(med, info)
	failed = append(failed, detailFailed...)
	if len(failed) > 0 {
		return s.contactUpdate(ctx, user, nil, failed)
	}

	contact, err := s.contacts.GetByName(ctx, user.ID, info.Name)
	if errors.Is(err, ErrContactNotFound) {
		return s.notFound(ctx, user, info.Name)
	}
	if err != nil {
		return outcome{}, fmt.Errorf("look up contact %q: %w", info.Name, err)
	}

	if med == mediumNumber {
		contact.PhoneNumber = &detail
	} else {
		contact.EmailAddress = &detail
	}
	if err := s.contacts.Update(ctx, contact); err != nil {
		return outcome{}, fmt.Errorf("update contact %q: %w", info.Name, err)
	}
	return s.contactUpdate(ctx, user, []string{info.Name + ": " + detail}, nil)
}

func (s *Service) removeContact(ctx context.Context, user *domain.User, rest []string) (outcome, error) {
	info := parseContactInfo(rest)
	if info.Name == "" {
		return s.contactUpdate(ctx, user, nil, []string{"Contact name is required."})
	}

	contact, err := s.contacts.GetByName(ctx, user.ID, info.Name)
	if errors.Is(err, ErrContactNotFound) {
		return s.notFound(ctx, user, info.Name)
	}
	if err != nil {
		return outcome{}, fmt.Errorf("look up contact %q: %w", info.Name, err)
	}
	if err := s.contacts.Delete(ctx, contact.ID); err != nil {
		return outcome{}, fmt.Errorf("delete contact %q: %w", info.Name, err)
	}
	return s.contactUpdate(ctx, user, []string{fmt.Sprintf("Contact %s removed successfully.", info.Name)}, nil)
}

func (s *Service) contactList(ctx context.Context, user *domain.User) (outcome, error) {
	lines, err := s.contactLines(ctx, user.ID)
	if err != nil {
		return outcome{}, err
	}
	return outcome{key: domain.TplContactList, params: templates.Params{
		Name:     user.DisplayName,
		Contacts: lines,
	}}, nil
}

func (s *Service) setScreenName(ctx context.Context, user *domain.User, email *domain.Email, rest []string) (outcome, error) {
	name := strings.Join(rest, " ")
	if name == "" {
		name = firstLine(email.Body)
	}
	if name == "" || utf8.RuneCountInString(name) > maxScreenNameLen {
		return outcome{key: domain.TplScreennameError, params: templates.Params{Name: user.DisplayName}}, nil
	}
	if err := s.users.UpdateScreenName(ctx, user.ID, name); err != nil {
		return outcome{}, fmt.Errorf("update screen name: %w", err)
	}
	return outcome{key: domain.TplScreennameConfirmation, params: templates.Params{
		Name:   user.DisplayName,
		Detail: name,
	}}, nil
}

func (s *Service) setPrivate(ctx context.Context, user *domain.User) (outcome, error) {
	if err := s.users.SetPrivateMode(ctx, user.ID, true); err != nil {
		return outcome{}, fmt.Errorf("set private mode: %w", err)
	}
	return outcome{body: "Your account has been set to private mode."}, nil
}

func (s *Service) notFound(ctx context.Context, user *domain.User, name string) (outcome, error) {
	lines, err := s.contactLines(ctx, user.ID)
	if err != nil {
		return outcome{}, err
	}
	return outcome{key: domain.TplContactNotFound, params: templates.Params{
		Name:     user.DisplayName,
		Detail:   name,
		Contacts: lines,
	}}, nil
}

func (s *Service) contactUpdate(ctx context.Context, user *domain.User, updates, failed []string) (outcome, error) {
	lines, err := s.contactLines(ctx, user.ID)
	if err != nil {
		return outcome{}, err
	}
	return outcome{key: domain.TplFamilyContactUpdate, params: templates.Params{
		Name:           user.DisplayName,
		Contacts:       lines,
		NewContacts:    updates,
		FailedContacts: failed,
	}}, nil
}

// contactLines formats the user's contacts one per line as "Name: detail".
func (s *Service) contactLines(ctx context.Context, userID int64) ([]string, error) {
	contacts, err := s.contacts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	lines := make([]string, 0, len(contacts))
	for i := range contacts {
		c := &contacts[i]
		lines = append(lines, c.ContactName+": "+c.Detail())
	}
	return lines, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
