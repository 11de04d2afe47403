// Package memory defines the persistence interface for session transcripts.
//
// The session state machine keeps the live transcript in memory; a
// [SessionStore] additionally records every entry so transcripts survive the
// session and the process. Backends live in sub-packages (postgres, mock).
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// SessionStore is a time-ordered, append-only log of [TranscriptEntry]
// records for any number of sessions.
type SessionStore interface {
	// WriteEntry appends entry under sessionID. sessionID must be non-empty.
	// Returns an error only on persistent storage failure.
	WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error

	// Entries returns every entry of sessionID ordered by Seq. Returns an
	// empty (non-nil) slice for unknown sessions.
	Entries(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// GetRecent returns the entries of sessionID whose Timestamp is no earlier
	// than time.Now()-duration, ordered by Seq.
	GetRecent(ctx context.Context, sessionID string, duration time.Duration) ([]TranscriptEntry, error)

	// Search performs keyword search over the Text field. Returns an empty
	// (non-nil) slice when nothing matches.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)
}
