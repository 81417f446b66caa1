package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/mosscap/internal/history"
	"github.com/MrWong99/mosscap/internal/history/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if MOSSCAP_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MOSSCAP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MOSSCAP_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T, sessionID uuid.UUID) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS chat_messages CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn, sessionID)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_ArchiveAndLoad(t *testing.T) {
	sessionID := uuid.New()
	store := newTestStore(t, sessionID)

	h := history.New(history.WithArchiver(store))
	h.Seed("You are Mosscap.",
		history.Message{Role: "user", Content: "Hi there, who are you?"},
		history.Message{Role: "assistant", Content: "I am Mosscap."},
	)
	h.AddUserMessage("what is 3+3?")

	got, err := store.Load(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := h.Messages()
	if len(got) != len(want) {
		t.Fatalf("loaded %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStore_SessionsAreIsolated(t *testing.T) {
	a := uuid.New()
	store := newTestStore(t, a)
	if err := store.Archive(context.Background(), 0, history.Message{Role: "user", Content: "x", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, err := store.Load(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no messages for another session, got %d", len(got))
	}
}

func TestStore_ArchiveIsIdempotent(t *testing.T) {
	id := uuid.New()
	store := newTestStore(t, id)
	m := history.Message{Role: "user", Content: "x", CreatedAt: time.Now()}
	for range 2 {
		if err := store.Archive(context.Background(), 0, m); err != nil {
			t.Fatalf("Archive: %v", err)
		}
	}
	got, _ := store.Load(context.Background(), id)
	if len(got) != 1 {
		t.Errorf("expected 1 message, got %d", len(got))
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t, uuid.New())
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if store.SessionID() == uuid.Nil {
		t.Error("expected non-nil session id")
	}
}
