// Package postgres provides a PostgreSQL-backed [memory.SessionStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.WriteEntry(ctx, sessionID, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    seq         BIGINT       NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_timestamp
    ON transcript_entries (timestamp);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('english', text));
`

// Migrate creates the transcript table and its indexes. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
