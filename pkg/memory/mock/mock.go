// Package mock provides an in-memory test double for [memory.SessionStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. Written entries are kept, so
// Entries reflects what was stored unless EntriesResult overrides it.
//
// Typical usage:
//
//	store := &mock.SessionStore{}
//	// inject store into the system under test …
//	if got := store.CallCount("WriteEntry"); got != 2 {
//	    t.Errorf("expected 2 WriteEntry calls, got %d", got)
//	}
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/studiogen/livestudio/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// SessionStore is a configurable test double for [memory.SessionStore].
type SessionStore struct {
	mu sync.Mutex

	calls   []Call
	entries map[string][]memory.TranscriptEntry

	// WriteEntryErr is returned by [SessionStore.WriteEntry] when non-nil.
	// Failed writes are not stored.
	WriteEntryErr error

	// EntriesResult, when non-nil, replaces the stored entries in
	// [SessionStore.Entries] and [SessionStore.GetRecent].
	EntriesResult []memory.TranscriptEntry

	// EntriesErr is returned by [SessionStore.Entries] and
	// [SessionStore.GetRecent] when non-nil.
	EntriesErr error

	// SearchErr is returned by [SessionStore.Search] when non-nil.
	SearchErr error
}

var _ memory.SessionStore = (*SessionStore)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored entries without altering response
// configuration.
func (m *SessionStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.entries = nil
}

// WriteEntry implements [memory.SessionStore].
func (m *SessionStore) WriteEntry(_ context.Context, sessionID string, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{sessionID, entry}})
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	if m.entries == nil {
		m.entries = make(map[string][]memory.TranscriptEntry)
	}
	m.entries[sessionID] = append(m.entries[sessionID], entry)
	return nil
}

// Entries implements [memory.SessionStore].
func (m *SessionStore) Entries(_ context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Entries", Args: []any{sessionID}})
	return m.snapshotLocked(sessionID), m.EntriesErr
}

// GetRecent implements [memory.SessionStore].
func (m *SessionStore) GetRecent(_ context.Context, sessionID string, duration time.Duration) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetRecent", Args: []any{sessionID, duration}})
	cutoff := time.Now().Add(-duration)
	out := []memory.TranscriptEntry{}
	for _, e := range m.snapshotLocked(sessionID) {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, m.EntriesErr
}

// Search implements [memory.SessionStore] with a case-insensitive substring
// match.
func (m *SessionStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	out := []memory.TranscriptEntry{}
	q := strings.ToLower(query)
	for sid, entries := range m.entries {
		if opts.SessionID != "" && sid != opts.SessionID {
			continue
		}
		for _, e := range entries {
			if opts.Role != "" && e.Role != opts.Role {
				continue
			}
			if strings.Contains(strings.ToLower(e.Text), q) {
				out = append(out, e)
			}
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, m.SearchErr
}

func (m *SessionStore) snapshotLocked(sessionID string) []memory.TranscriptEntry {
	src := m.EntriesResult
	if src == nil {
		src = m.entries[sessionID]
	}
	out := make([]memory.TranscriptEntry, len(src))
	copy(out, src)
	return out
}
