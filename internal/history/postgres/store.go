// Package postgres archives conversation history in PostgreSQL.
//
// Every appended message becomes one row of the chat_messages table keyed by
// session ID and sequence number, so a session transcript can be replayed
// with [Store.Load].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, uuid.New())
//	if err != nil { … }
//	defer store.Close()
//	h := history.New(history.WithArchiver(store))
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/mosscap/internal/history"
)

const ddlChatMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
    session_id  UUID         NOT NULL,
    seq         INTEGER      NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at
    ON chat_messages (created_at);
`

// Compile-time interface check.
var _ history.Archiver = (*Store)(nil)

// Store writes the messages of one session to PostgreSQL. It is safe for
// concurrent use.
type Store struct {
	pool      *pgxpool.Pool
	sessionID uuid.UUID
}

// NewStore connects to dsn, runs [Migrate] and returns a Store that archives
// under sessionID.
func NewStore(ctx context.Context, dsn string, sessionID uuid.UUID) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}
	return &Store{pool: pool, sessionID: sessionID}, nil
}

// Migrate creates the chat_messages table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlChatMessages); err != nil {
		return fmt.Errorf("create chat_messages: %w", err)
	}
	return nil
}

// SessionID returns the session the store archives under.
func (s *Store) SessionID() uuid.UUID { return s.sessionID }

// Archive implements [history.Archiver].
func (s *Store) Archive(ctx context.Context, seq int, m history.Message) error {
	const q = `
		INSERT INTO chat_messages (session_id, seq, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, s.sessionID, seq, m.Role, m.Content, m.CreatedAt); err != nil {
		return fmt.Errorf("history store: archive: %w", err)
	}
	return nil
}

// Load returns the archived messages of sessionID in sequence order.
func (s *Store) Load(ctx context.Context, sessionID uuid.UUID) ([]history.Message, error) {
	const q = `
		SELECT role, content, created_at
		FROM   chat_messages
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history store: load: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Message, error) {
		var m history.Message
		err := row.Scan(&m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan: %w", err)
	}
	return msgs, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
