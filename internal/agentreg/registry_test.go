package agentreg_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brightloom/stagehand/internal/agentreg"
	"github.com/brightloom/stagehand/internal/agentreg/mock"
	"github.com/brightloom/stagehand/internal/stageerr"
)

func seedAgent(t *testing.T, store *mock.Store, tenantID, slug string, isDefault bool) {
	t.Helper()
	def := &agentreg.AgentDefinition{
		ID:            tenantID + ":" + slug,
		TenantID:      tenantID,
		Slug:          slug,
		DisplayName:   slug,
		ModelProvider: "openai",
		ModelName:     "gpt-4o-mini",
		Temperature:   0.7,
		IsDefault:     isDefault,
	}
	if err := store.Create(context.Background(), def); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func TestRegistry_ResolveBySlug(t *testing.T) {
	t.Parallel()
	store := mock.New()
	seedAgent(t, store, "tenant-a", "support", false)

	reg := agentreg.NewRegistry(store)
	got, err := reg.Resolve(context.Background(), "tenant-a", "support")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Slug != "support" {
		t.Errorf("Slug = %q, want %q", got.Slug, "support")
	}
}

func TestRegistry_ResolveDefault(t *testing.T) {
	t.Parallel()
	store := mock.New()
	seedAgent(t, store, "tenant-a", "fallback", true)

	reg := agentreg.NewRegistry(store)
	got, err := reg.Resolve(context.Background(), "tenant-a", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.IsDefault {
		t.Errorf("resolved agent is not marked default")
	}
}

func TestRegistry_ResolveNotFound(t *testing.T) {
	t.Parallel()
	store := mock.New()
	reg := agentreg.NewRegistry(store)

	_, err := reg.Resolve(context.Background(), "tenant-a", "missing")
	if !errors.Is(err, stageerr.ErrAgentNotFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestRegistry_CacheServesStaleUntilTTL(t *testing.T) {
	t.Parallel()
	store := mock.New()
	seedAgent(t, store, "tenant-a", "support", false)

	reg := agentreg.NewRegistry(store, agentreg.WithCacheTTL(20*time.Millisecond))
	ctx := context.Background()

	if _, err := reg.Resolve(ctx, "tenant-a", "support"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	def, err := store.Get(ctx, "tenant-a", "support")
	if err != nil || def == nil {
		t.Fatalf("Get: %v", err)
	}
	def.DisplayName = "changed"
	if err := store.Update(ctx, def); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := reg.Resolve(ctx, "tenant-a", "support")
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if got.DisplayName == "changed" {
		t.Fatalf("expected stale cached value before TTL expiry")
	}

	time.Sleep(30 * time.Millisecond)
	got, err = reg.Resolve(ctx, "tenant-a", "support")
	if err != nil {
		t.Fatalf("Resolve (post-TTL): %v", err)
	}
	if got.DisplayName != "changed" {
		t.Fatalf("DisplayName = %q, want %q after TTL expiry", got.DisplayName, "changed")
	}
}

func TestRegistry_Invalidate(t *testing.T) {
	t.Parallel()
	store := mock.New()
	seedAgent(t, store, "tenant-a", "support", false)

	reg := agentreg.NewRegistry(store)
	ctx := context.Background()
	if _, err := reg.Resolve(ctx, "tenant-a", "support"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	def, _ := store.Get(ctx, "tenant-a", "support")
	def.DisplayName = "changed"
	store.Update(ctx, def)
	reg.Invalidate("tenant-a", "support")

	got, err := reg.Resolve(ctx, "tenant-a", "support")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.DisplayName != "changed" {
		t.Fatalf("DisplayName = %q, want %q after Invalidate", got.DisplayName, "changed")
	}
}

func TestRegistry_ListFor(t *testing.T) {
	t.Parallel()
	store := mock.New()
	seedAgent(t, store, "tenant-a", "support", true)
	seedAgent(t, store, "tenant-a", "sales", false)
	seedAgent(t, store, "tenant-b", "other", true)

	reg := agentreg.NewRegistry(store)
	agents, err := reg.ListFor(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("ListFor: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("ListFor() returned %d agents, want 2", len(agents))
	}
	for _, a := range agents {
		if a.TenantID != "tenant-a" {
			t.Errorf("agent %q belongs to tenant %q, want tenant-a", a.Slug, a.TenantID)
		}
	}
}
