package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"campuscast/internal/models"
)

func newTestSession(id string, status models.SessionStatus) models.Session {
	return models.Session{
		ID:       id,
		Title:    "Morning Show",
		Strategy: models.IngestBrowser,
		Status:   status,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store, err := NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()

	created, err := store.CreateSession(ctx, newTestSession("sess-1", models.StatusPending))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", created.Revision)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be populated")
	}

	if _, err := store.CreateSession(ctx, newTestSession("sess-1", models.StatusPending)); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}

	loaded, ok, err := store.GetSession(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("GetSession: ok=%v err=%v", ok, err)
	}
	if loaded.Title != "Morning Show" {
		t.Fatalf("unexpected title %q", loaded.Title)
	}

	if _, ok, _ := store.GetSession(ctx, "missing"); ok {
		t.Fatal("expected missing session to report not found")
	}
}

func TestMemoryStoreUpdateRevisionConflict(t *testing.T) {
	store, err := NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()

	created, err := store.CreateSession(ctx, newTestSession("sess-2", models.StatusPending))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	first := created
	first.Status = models.StatusLive
	updated, err := store.UpdateSession(ctx, first)
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if updated.Revision != created.Revision+1 {
		t.Fatalf("expected revision %d, got %d", created.Revision+1, updated.Revision)
	}

	// The second writer still holds the original revision and must lose.
	stale := created
	stale.Status = models.StatusEnded
	if _, err := store.UpdateSession(ctx, stale); !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("expected ErrRevisionConflict, got %v", err)
	}
}

func TestMemoryStoreListFiltersByStatus(t *testing.T) {
	store, err := NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()

	pending := newTestSession("a-pending", models.StatusPending)
	scheduled := time.Now().Add(-time.Minute)
	pending.ScheduledAt = &scheduled
	if _, err := store.CreateSession(ctx, pending); err != nil {
		t.Fatalf("CreateSession pending: %v", err)
	}
	if _, err := store.CreateSession(ctx, newTestSession("b-live", models.StatusLive)); err != nil {
		t.Fatalf("CreateSession live: %v", err)
	}

	live, err := store.ListSessions(ctx, models.StatusLive)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(live) != 1 || live[0].ID != "b-live" {
		t.Fatalf("unexpected live sessions %+v", live)
	}

	all, err := store.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("ListSessions all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewMemoryStore(WithSnapshotFile(path))
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()
	if _, err := store.CreateSession(ctx, newTestSession("persisted", models.StatusPending)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	reloaded, err := NewMemoryStore(WithSnapshotFile(path))
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	if _, ok, _ := reloaded.GetSession(ctx, "persisted"); !ok {
		t.Fatal("expected session to survive reload")
	}
}
