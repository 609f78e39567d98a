package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/models"
	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func statusStores(t *testing.T) map[string]StatusStore {
	t.Helper()
	sqlStore, err := NewSQLiteStatusStore(testDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteStatusStore: %v", err)
	}
	return map[string]StatusStore{
		"memory": NewMemoryStatusStore(),
		"sqlite": sqlStore,
	}
}

func TestStatusUpsertAndList(t *testing.T) {
	ctx := context.Background()
	for name, store := range statusStores(t) {
		t.Run(name, func(t *testing.T) {
			st := &models.ConnectionStatus{
				UserID:        "u1",
				Provider:      "calendar",
				State:         models.ConnConnected,
				ToolCount:     3,
				LastHealthyAt: time.Now().Truncate(time.Second).UTC(),
			}
			if err := store.Upsert(ctx, st); err != nil {
				t.Fatalf("Upsert: %v", err)
			}

			// Second upsert overwrites.
			st.State = models.ConnError
			st.LastError = "ping failed"
			if err := store.Upsert(ctx, st); err != nil {
				t.Fatalf("Upsert 2: %v", err)
			}

			list, err := store.List(ctx, "u1")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 1 {
				t.Fatalf("len = %d, want 1", len(list))
			}
			if list[0].State != models.ConnError {
				t.Errorf("State = %s, want error", list[0].State)
			}
			if list[0].LastError != "ping failed" {
				t.Errorf("LastError = %q", list[0].LastError)
			}
		})
	}
}

func eventStores(t *testing.T) map[string]EventStore {
	t.Helper()
	sqlStore, err := NewSQLiteEventStore(testDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	return map[string]EventStore{
		"memory": NewMemoryEventStore(),
		"sqlite": sqlStore,
	}
}

func TestEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, store := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().Add(-time.Hour)
			for i, kind := range []models.ConnectionEventKind{
				models.ConnectionEventConnect,
				models.ConnectionEventDisconnect,
				models.ConnectionEventConnect,
			} {
				ev := &models.ConnectionEvent{
					UserID:   "u1",
					Provider: "chat",
					Kind:     kind,
					At:       base.Add(time.Duration(i) * time.Minute),
				}
				if err := store.Append(ctx, ev); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			events, err := store.Recent(ctx, "u1", 2)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("len = %d, want 2", len(events))
			}
			if !events[0].At.After(events[1].At) {
				t.Error("events not newest-first")
			}
			if events[0].Kind != models.ConnectionEventConnect {
				t.Errorf("Kind = %s, want connect", events[0].Kind)
			}
		})
	}
}
