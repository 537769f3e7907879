package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the connection_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS connection_events (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	event_type  TEXT        NOT NULL,
	from_state  TEXT        NOT NULL DEFAULT '',
	to_state    TEXT        NOT NULL DEFAULT '',
	attempt     INTEGER     NOT NULL DEFAULT 0,
	close_code  INTEGER     NOT NULL DEFAULT 0,
	detail      TEXT        NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS connection_events_session_idx
	ON connection_events (session_id, occurred_at);
`

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create connection_events: %w", err)
	}
	return nil
}
