package memory

import "time"

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptEntry is one line of a session's transcript log.
type TranscriptEntry struct {
	// SessionID is the session the entry belongs to.
	SessionID string

	// Seq is the 1-based arrival index within the session. Entries of one
	// session are totally ordered by Seq.
	Seq uint64

	// Role is RoleUser or RoleAssistant.
	Role string

	// Text is the transcribed speech.
	Text string

	// Timestamp is when the entry was appended.
	Timestamp time.Time
}

// SearchOpts narrows a [SessionStore.Search].
type SearchOpts struct {
	// SessionID restricts results to one session when non-empty.
	SessionID string

	// Role restricts results to one speaker role when non-empty.
	Role string

	// After excludes entries at or before this time when non-zero.
	After time.Time

	// Before excludes entries at or after this time when non-zero.
	Before time.Time

	// Limit caps the number of results when positive.
	Limit int
}
