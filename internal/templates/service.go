package templates

import (
	"context"
	"fmt"
	"sort"

	"github.com/relaypoint/portal-bridge/internal/domain"
)

// Store loads and saves template rows.
type Store interface {
	// GetByKey returns the template for key, or ErrUnknownKey.
	GetByKey(ctx context.Context, key string) (*domain.ResponseTemplate, error)

	// Upsert inserts the key or replaces its text.
	Upsert(ctx context.Context, key, text string) error

	// List returns all stored templates ordered by key.
	List(ctx context.Context) ([]domain.ResponseTemplate, error)
}

// Params is the substitution set shared by every response template. A
// template references the fields it needs and ignores the rest.
type Params struct {
	Name           string   // recipient display name
	BotAccounts    []string // portal addresses the service answers from
	Contacts       []string // saved contact lines, "Name: detail"
	NewContacts    []string // contacts created or changed by the current command
	FailedContacts []string // per-item validation failures
	SMSStatuses    []string // recent outbound text grid, one line each
	Users          []string // penpal users tied to the account
	Detail         string   // outcome slot: screen name, search term, relayed text body
}

func (p Params) bindings() map[string]interface{} {
	return map[string]interface{}{
		"name":            p.Name,
		"bot_accounts":    p.BotAccounts,
		"contacts":        p.Contacts,
		"new_contacts":    p.NewContacts,
		"failed_contacts": p.FailedContacts,
		"sms_statuses":    p.SMSStatuses,
		"users":           p.Users,
		"detail":          p.Detail,
	}
}

// Service renders keyed operator messages from store-backed template text.
type Service struct {
	store  Store
	engine *Engine
}

// NewService creates a template service on top of the given store.
func NewService(store Store) *Service {
	return &Service{store: store, engine: NewEngine()}
}

// Render loads the template for key and fills it with params.
func (s *Service) Render(ctx context.Context, key string, params Params) (string, error) {
	tpl, err := s.store.GetByKey(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load template %q: %w", key, err)
	}
	out, err := s.engine.Render(tpl.Key, tpl.TemplateText, params.bindings())
	if err != nil {
		return "", fmt.Errorf("render template %q: %w", key, err)
	}
	return out, nil
}

// Seed writes the built-in template set, replacing any edited text, and
// returns how many keys were written.
func (s *Service) Seed(ctx context.Context) (int, error) {
	keys := make([]string, 0, len(seedTemplates))
	for k := range seedTemplates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.store.Upsert(ctx, k, seedTemplates[k]); err != nil {
			return 0, fmt.Errorf("seed template %q: %w", k, err)
		}
		s.engine.Forget(k)
	}
	return len(keys), nil
}
