package registry

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/relaypoint/portal-bridge/internal/domain"
)

// Service implements bot registry business logic. All public methods are
// safe for concurrent use if the underlying repository is concurrency-safe.
type Service struct {
	repo Repository
}

// NewService creates a registry service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// List returns all bots, or only the active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]domain.Bot, error) {
	return s.repo.List(ctx, activeOnly)
}

// Get returns a single bot.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Bot, error) {
	return s.repo.Get(ctx, id)
}

// GetByName returns the bot with the given name.
func (s *Service) GetByName(ctx context.Context, name string) (*domain.Bot, error) {
	return s.repo.GetByName(ctx, name)
}

// Deactivate marks a bot inactive. The scheduler stops picking it up on the
// next tick; its rows are never deleted.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.repo.SetActive(ctx, id, false)
}

// Activate marks a bot active again.
func (s *Service) Activate(ctx context.Context, id int64) error {
	return s.repo.SetActive(ctx, id, true)
}

// UpdateLastSeen records the newest portal message id a bot has pulled.
func (s *Service) UpdateLastSeen(ctx context.Context, id int64, messageID int64) error {
	return s.repo.UpdateLastSeen(ctx, id, messageID)
}

// BotSpec is one declared bot in the operator's JSON config.
type BotSpec struct {
	Name           string `json:"name"`
	PortalUsername string `json:"portal_username"`
	PortalPassword string `json:"portal_password"`
	IMAPHost       string `json:"imap_host"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	Active         *bool  `json:"active"`
}

// SyncResult reports what a Sync call changed.
type SyncResult struct {
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
}

// Sync reconciles the declared bot set into the database. Bots are matched
// by name: unknown names are created, known names have their credentials
// and active flag rewritten. When pruneMissing is true, active bots absent
// from the declared set are deactivated.
func (s *Service) Sync(ctx context.Context, specs []BotSpec, pruneMissing bool) (*SyncResult, error) {
	declared := make(map[string]bool, len(specs))
	res := &SyncResult{}

	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidSpec)
		}
		if spec.PortalUsername == "" || spec.PortalPassword == "" {
			return nil, fmt.Errorf("%w: bot %q needs portal credentials", ErrInvalidSpec, spec.Name)
		}
		declared[spec.Name] = true

		active := true
		if spec.Active != nil {
			active = *spec.Active
		}

		existing, err := s.repo.GetByName(ctx, spec.Name)
		if errors.Is(err, ErrNotFound) {
			b := &domain.Bot{
				Name:           spec.Name,
				PortalUsername: spec.PortalUsername,
				PortalPassword: spec.PortalPassword,
				IMAPHost:       spec.IMAPHost,
				IMAPUsername:   spec.IMAPUsername,
				IMAPPassword:   spec.IMAPPassword,
				IsActive:       active,
			}
			if _, err := s.repo.Create(ctx, b); err != nil {
				return nil, fmt.Errorf("create bot %q: %w", spec.Name, err)
			}
			res.Created++
			log.Printf("[Registry] Created bot %q (active=%v)", spec.Name, active)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup bot %q: %w", spec.Name, err)
		}

		existing.PortalUsername = spec.PortalUsername
		existing.PortalPassword = spec.PortalPassword
		existing.IMAPHost = spec.IMAPHost
		existing.IMAPUsername = spec.IMAPUsername
		existing.IMAPPassword = spec.IMAPPassword
		existing.IsActive = active
		if err := s.repo.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("update bot %q: %w", spec.Name, err)
		}
		res.Updated++
	}

	if pruneMissing {
		all, err := s.repo.List(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("list bots for prune: %w", err)
		}
		for _, b := range all {
			if declared[b.Name] {
				continue
			}
			if err := s.repo.SetActive(ctx, b.ID, false); err != nil {
				return nil, fmt.Errorf("deactivate bot %q: %w", b.Name, err)
			}
			res.Deactivated++
			log.Printf("[Registry] Deactivated bot %q (not in declared set)", b.Name)
		}
	}

	log.Printf("[Registry] Sync complete: %d created, %d updated, %d deactivated",
		res.Created, res.Updated, res.Deactivated)
	return res, nil
}
