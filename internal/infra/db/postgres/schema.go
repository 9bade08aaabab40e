package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	title         TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_user_activity_idx
	ON sessions (user_id, last_activity DESC);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	sender     TEXT NOT NULL,
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	mime_type  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_created_idx
	ON messages (session_id, created_at);
`

// EnsureSchema creates the tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
