package registry_test

import (
	"context"
	"sync"
	"testing"

	"github.com/relaypoint/portal-bridge/internal/domain"
	"github.com/relaypoint/portal-bridge/internal/service/registry"
)

// memRepo is an in-memory bot repository for unit testing.
type memRepo struct {
	mu     sync.Mutex
	nextID int64
	bots   map[int64]*domain.Bot
}

func newMemRepo() *memRepo {
	return &memRepo{nextID: 1, bots: make(map[int64]*domain.Bot)}
}

func (m *memRepo) List(_ context.Context, activeOnly bool) ([]domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bot
	for id := int64(1); id < m.nextID; id++ {
		b, ok := m.bots[id]
		if !ok {
			continue
		}
		if activeOnly && !b.IsActive {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (m *memRepo) Get(_ context.Context, id int64) (*domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memRepo) GetByName(_ context.Context, name string) (*domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bots {
		if b.Name == name {
			cp := *b
			return &cp, nil
		}
	}
	return nil, registry.ErrNotFound
}

func (m *memRepo) Create(_ context.Context, b *domain.Bot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.ID = m.nextID
	m.nextID++
	m.bots[cp.ID] = &cp
	return cp.ID, nil
}

func (m *memRepo) Update(_ context.Context, b *domain.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[b.ID]; !ok {
		return registry.ErrNotFound
	}
	cp := *b
	m.bots[b.ID] = &cp
	return nil
}

func (m *memRepo) SetActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return registry.ErrNotFound
	}
	b.IsActive = active
	return nil
}

func (m *memRepo) UpdateLastSeen(_ context.Context, id int64, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return registry.ErrNotFound
	}
	if messageID > b.LastSeenMessageID {
		b.LastSeenMessageID = messageID
	}
	return nil
}

func specFor(name string) registry.BotSpec {
	return registry.BotSpec{
		Name:           name,
		PortalUsername: name + "@bots.example.com",
		PortalPassword: "hunter2",
		IMAPHost:       "imap.example.com:993",
		IMAPUsername:   name + "@bots.example.com",
		IMAPPassword:   "hunter2",
	}
}

func TestSyncCreates(t *testing.T) {
	svc := registry.NewService(newMemRepo())

	res, err := svc.Sync(context.Background(), []registry.BotSpec{specFor("alpha"), specFor("bravo")}, false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Created != 2 || res.Updated != 0 {
		t.Fatalf("expected 2 created, got %+v", res)
	}

	b, err := svc.GetByName(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("get alpha: %v", err)
	}
	if !b.IsActive {
		t.Fatal("new bots should default to active")
	}
}

func TestSyncUpdatesExisting(t *testing.T) {
	svc := registry.NewService(newMemRepo())

	if _, err := svc.Sync(context.Background(), []registry.BotSpec{specFor("alpha")}, false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	changed := specFor("alpha")
	changed.PortalPassword = "rotated"
	res, err := svc.Sync(context.Background(), []registry.BotSpec{changed}, false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Created != 0 || res.Updated != 1 {
		t.Fatalf("expected 1 updated, got %+v", res)
	}

	b, _ := svc.GetByName(context.Background(), "alpha")
	if b.PortalPassword != "rotated" {
		t.Fatalf("password not rewritten, got %q", b.PortalPassword)
	}
}

func TestSyncPrunesMissing(t *testing.T) {
	svc := registry.NewService(newMemRepo())

	if _, err := svc.Sync(context.Background(), []registry.BotSpec{specFor("alpha"), specFor("bravo")}, false); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	res, err := svc.Sync(context.Background(), []registry.BotSpec{specFor("alpha")}, true)
	if err != nil {
		t.Fatalf("prune sync: %v", err)
	}
	if res.Deactivated != 1 {
		t.Fatalf("expected 1 deactivated, got %+v", res)
	}

	active, _ := svc.List(context.Background(), true)
	if len(active) != 1 || active[0].Name != "alpha" {
		t.Fatalf("expected only alpha active, got %+v", active)
	}
}

func TestSyncRejectsInvalidSpec(t *testing.T) {
	svc := registry.NewService(newMemRepo())

	if _, err := svc.Sync(context.Background(), []registry.BotSpec{{Name: ""}}, false); err == nil {
		t.Fatal("expected error for missing name")
	}
	if _, err := svc.Sync(context.Background(), []registry.BotSpec{{Name: "x"}}, false); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestUpdateLastSeenMonotonic(t *testing.T) {
	repo := newMemRepo()
	svc := registry.NewService(repo)

	if _, err := svc.Sync(context.Background(), []registry.BotSpec{specFor("alpha")}, false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	b, _ := svc.GetByName(context.Background(), "alpha")

	if err := svc.UpdateLastSeen(context.Background(), b.ID, 500); err != nil {
		t.Fatalf("update last seen: %v", err)
	}
	if err := svc.UpdateLastSeen(context.Background(), b.ID, 300); err != nil {
		t.Fatalf("update last seen (lower): %v", err)
	}

	got, _ := svc.Get(context.Background(), b.ID)
	if got.LastSeenMessageID != 500 {
		t.Fatalf("cursor moved backwards: %d", got.LastSeenMessageID)
	}
}

func TestDeactivate(t *testing.T) {
	svc := registry.NewService(newMemRepo())

	if _, err := svc.Sync(context.Background(), []registry.BotSpec{specFor("alpha")}, false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	b, _ := svc.GetByName(context.Background(), "alpha")

	if err := svc.Deactivate(context.Background(), b.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, _ := svc.Get(context.Background(), b.ID)
	if got.IsActive {
		t.Fatal("bot still active after deactivate")
	}
}
