package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/models"
)

func registryFixture(t *testing.T) (*Registry, *managerFixture) {
	t.Helper()
	fx := newManagerFixture(t, ManagerConfig{
		Providers: map[string]ProviderSpec{
			"calendar": {Endpoint: "http://calendar.invalid"},
			"mail":     {Endpoint: "http://mail.invalid"},
		},
	})

	store := tokensStoreWith(t, "u1", "calendar", "chat")
	reg := NewRegistry(fx.manager, store, testLogger())
	return reg, fx
}

func tokensStoreWith(t *testing.T, userID string, providers ...string) *tokensMemory {
	t.Helper()
	store := newTokensMemory()
	for _, p := range providers {
		store.put(userID, p)
	}
	return store
}

// tokensMemory is a minimal token store for registry tests; the registry only
// consults Providers.
type tokensMemory struct {
	records map[string][]string
}

func newTokensMemory() *tokensMemory {
	return &tokensMemory{records: map[string][]string{}}
}

func (s *tokensMemory) put(userID, provider string) {
	s.records[userID] = append(s.records[userID], provider)
}

func (s *tokensMemory) Get(ctx context.Context, userID, provider string) (*models.TokenRecord, error) {
	return &models.TokenRecord{UserID: userID, Provider: provider}, nil
}

func (s *tokensMemory) Put(ctx context.Context, record *models.TokenRecord) error { return nil }

func (s *tokensMemory) Delete(ctx context.Context, userID, provider string) error { return nil }

func (s *tokensMemory) Providers(ctx context.Context, userID string) ([]string, error) {
	return s.records[userID], nil
}

func TestRegistrySnapshot(t *testing.T) {
	reg, _ := registryFixture(t)
	ctx := context.Background()

	catalog, err := reg.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// calendar has both a token and a transport config; chat has a token but
	// no config and must be skipped
	if len(catalog) != 1 {
		t.Fatalf("catalog = %+v", catalog)
	}
	tools, ok := catalog["calendar"]
	if !ok || len(tools) != 1 || tools[0].Name != "create_event" {
		t.Fatalf("calendar tools = %+v", tools)
	}
}

func TestRegistrySnapshotCached(t *testing.T) {
	reg, fx := registryFixture(t)
	ctx := context.Background()

	if _, err := reg.Snapshot(ctx, "u1"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	builds := fx.builds.Load()

	if _, err := reg.Snapshot(ctx, "u1"); err != nil {
		t.Fatalf("Snapshot 2: %v", err)
	}
	if fx.builds.Load() != builds {
		t.Error("fresh snapshot triggered a rebuild")
	}

	// an expired snapshot rebuilds through the manager's existing handles
	reg.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if _, err := reg.Snapshot(ctx, "u1"); err != nil {
		t.Fatalf("Snapshot 3: %v", err)
	}
}

func TestRegistryInvalidate(t *testing.T) {
	reg, _ := registryFixture(t)
	ctx := context.Background()

	if _, err := reg.Snapshot(ctx, "u1"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	reg.Invalidate("u1")

	catalog, err := reg.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot after Invalidate: %v", err)
	}
	if len(catalog) != 1 {
		t.Fatalf("catalog = %+v", catalog)
	}
}

func TestRegistryFind(t *testing.T) {
	reg, _ := registryFixture(t)
	ctx := context.Background()

	schema, ok := reg.Find(ctx, "u1", "calendar", "create_event")
	if !ok || schema.Name != "create_event" {
		t.Fatalf("Find = %+v, %v", schema, ok)
	}
	if _, ok := reg.Find(ctx, "u1", "calendar", "nope"); ok {
		t.Error("Find found a nonexistent tool")
	}
}
