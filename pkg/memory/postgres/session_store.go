package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/studiogen/livestudio/pkg/memory"
)

// errEmptySession rejects writes without a session.
var errEmptySession = errors.New("session store: empty session id")

const selectColumns = "SELECT session_id, seq, role, text, timestamp\nFROM   transcript_entries\n"

// WriteEntry implements [memory.SessionStore]. Writing the same (session, seq)
// twice is a no-op.
func (s *Store) WriteEntry(ctx context.Context, sessionID string, entry memory.TranscriptEntry) error {
	if sessionID == "" {
		return errEmptySession
	}
	const q = `
		INSERT INTO transcript_entries (session_id, seq, role, text, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq) DO NOTHING`

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q, sessionID, int64(entry.Seq), entry.Role, entry.Text, ts)
	if err != nil {
		return fmt.Errorf("session store: write entry: %w", err)
	}
	return nil
}

// Entries implements [memory.SessionStore].
func (s *Store) Entries(ctx context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx, selectColumns+"WHERE  session_id = $1\nORDER  BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("session store: entries: %w", err)
	}
	return collectEntries(rows)
}

// GetRecent implements [memory.SessionStore].
func (s *Store) GetRecent(ctx context.Context, sessionID string, duration time.Duration) ([]memory.TranscriptEntry, error) {
	const q = selectColumns + `WHERE  session_id = $1
  AND  timestamp  >= now() - ($2::bigint * interval '1 microsecond')
ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID, duration.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("session store: get recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [memory.SessionStore]. It performs a PostgreSQL full-text
// search over the text column; the query goes through plainto_tsquery so no
// operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	q, args := buildSearch(query, opts)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: search: %w", err)
	}
	return collectEntries(rows)
}

// buildSearch assembles the search statement and its positional arguments.
func buildSearch(query string, opts memory.SearchOpts) (string, []any) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := selectColumns +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp, seq"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}
	return q, args
}

// collectEntries scans pgx rows into a slice of TranscriptEntry values.
func collectEntries(rows pgx.Rows) ([]memory.TranscriptEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TranscriptEntry, error) {
		var (
			e   memory.TranscriptEntry
			seq int64
		)
		if err := row.Scan(&e.SessionID, &seq, &e.Role, &e.Text, &e.Timestamp); err != nil {
			return memory.TranscriptEntry{}, err
		}
		e.Seq = uint64(seq)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.TranscriptEntry{}
	}
	return entries, nil
}
