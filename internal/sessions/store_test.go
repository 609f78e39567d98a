package sessions

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/models"
	_ "modernc.org/sqlite"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sqlStore, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func newSession(id, userID string) *models.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Session{
		ID:             id,
		UserID:         userID,
		Mode:           models.ModePushToTalk,
		Status:         models.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Create(ctx, newSession("s1", "u1")); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := store.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.UserID != "u1" || got.Status != models.SessionActive {
				t.Errorf("session = %+v", got)
			}

			got.Status = models.SessionCompleted
			got.ContextSummary = "talked about meetings"
			if err := store.Update(ctx, got); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got2, _ := store.Get(ctx, "s1")
			if got2.Status != models.SessionCompleted || got2.ContextSummary != "talked about meetings" {
				t.Errorf("after update = %+v", got2)
			}

			if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreActiveForUser(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			old := newSession("old", "u1")
			old.LastActivityAt = old.LastActivityAt.Add(-time.Hour)
			store.Create(ctx, old)
			store.Create(ctx, newSession("fresh", "u1"))

			done := newSession("done", "u1")
			done.Status = models.SessionCompleted
			store.Create(ctx, done)

			got, err := store.ActiveForUser(ctx, "u1")
			if err != nil {
				t.Fatalf("ActiveForUser: %v", err)
			}
			if got.ID != "fresh" {
				t.Errorf("ID = %q, want fresh (most recent active)", got.ID)
			}

			if _, err := store.ActiveForUser(ctx, "u2"); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreForUser(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			old := newSession("old", "u1")
			old.LastActivityAt = old.LastActivityAt.Add(-time.Hour)
			old.Status = models.SessionCompleted
			store.Create(ctx, old)
			store.Create(ctx, newSession("fresh", "u1"))
			store.Create(ctx, newSession("other", "u2"))

			got, err := store.ForUser(ctx, "u1", 0)
			if err != nil {
				t.Fatalf("ForUser: %v", err)
			}
			if len(got) != 2 || got[0].ID != "fresh" || got[1].ID != "old" {
				t.Errorf("sessions = %+v", got)
			}

			limited, _ := store.ForUser(ctx, "u1", 1)
			if len(limited) != 1 || limited[0].ID != "fresh" {
				t.Errorf("limited = %+v", limited)
			}
		})
	}
}

func TestStoreAppendTurn(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store.Create(ctx, newSession("s1", "u1"))

			for i, query := range []string{"first", "second", "third"} {
				turn := &models.SessionTurn{UserQuery: query, Reply: "ok"}
				if err := store.AppendTurn(ctx, "s1", turn); err != nil {
					t.Fatalf("AppendTurn: %v", err)
				}
				if turn.TurnNumber != i+1 {
					t.Errorf("TurnNumber = %d, want %d", turn.TurnNumber, i+1)
				}
			}

			session, _ := store.Get(ctx, "s1")
			if session.TurnCount != 3 {
				t.Errorf("TurnCount = %d, want 3", session.TurnCount)
			}

			turns, err := store.Turns(ctx, "s1", 2)
			if err != nil {
				t.Fatalf("Turns: %v", err)
			}
			if len(turns) != 2 || turns[0].UserQuery != "second" || turns[1].UserQuery != "third" {
				t.Errorf("turns = %+v", turns)
			}

			all, _ := store.Turns(ctx, "s1", 0)
			if len(all) != 3 {
				t.Errorf("all turns = %d, want 3", len(all))
			}

			err = store.AppendTurn(ctx, "nope", &models.SessionTurn{UserQuery: "x"})
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("AppendTurn missing session = %v, want ErrNotFound", err)
			}
		})
	}
}
