package livesession

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/studiogen/livestudio/pkg/memory"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

// persistTimeout bounds a single transcript write to the store.
const persistTimeout = 5 * time.Second

// persistQueue is the depth of the per-session transcript write queue.
const persistQueue = 256

// TranscriptEvent is one transcription delta in arrival order.
type TranscriptEvent struct {
	// Seq numbers events within a session, starting at 1.
	Seq uint64 `json:"seq"`

	// Role is "user" for input transcription and "assistant" for output
	// transcription.
	Role live.Role `json:"role"`

	// Text is the delta exactly as received.
	Text string `json:"text"`

	// At is the arrival time.
	At time.Time `json:"at"`
}

// Transcript is the append-only transcript log of one session. It stays
// readable after the session ended.
type Transcript struct {
	sessionID string

	mu     sync.Mutex
	events []TranscriptEvent
}

func newTranscript(sessionID string) *Transcript {
	return &Transcript{sessionID: sessionID}
}

// SessionID returns the ID of the session the log belongs to.
func (t *Transcript) SessionID() string { return t.sessionID }

// Events returns a copy of the log in arrival order.
func (t *Transcript) Events() []TranscriptEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscriptEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of events in the log.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

func (t *Transcript) append(role live.Role, text string, at time.Time) TranscriptEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := TranscriptEvent{
		Seq:  uint64(len(t.events) + 1),
		Role: role,
		Text: text,
		At:   at,
	}
	t.events = append(t.events, ev)
	return ev
}

// ── Persistence ──────────────────────────────────────────────────────────────

// persister writes transcript events to a [memory.SessionStore] in order on
// its own goroutine so the coordinator never waits on the database.
type persister struct {
	store     memory.SessionStore
	sessionID string
	queue     chan TranscriptEvent
	done      chan struct{}
	dropWarn  sync.Once
}

func newPersister(store memory.SessionStore, sessionID string) *persister {
	p := &persister{
		store:     store,
		sessionID: sessionID,
		queue:     make(chan TranscriptEvent, persistQueue),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue hands ev to the writer without blocking. If the writer has fallen
// behind the event stays in the in-memory log only.
func (p *persister) enqueue(ev TranscriptEvent) {
	select {
	case p.queue <- ev:
	default:
		p.dropWarn.Do(func() {
			slog.Warn("livesession: transcript store too slow, skipping writes",
				"session_id", p.sessionID,
				"seq", ev.Seq,
			)
		})
	}
}

// close stops accepting events and waits until the queue has been written.
func (p *persister) close() {
	close(p.queue)
	<-p.done
}

func (p *persister) run() {
	defer close(p.done)
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := p.store.WriteEntry(ctx, p.sessionID, memory.TranscriptEntry{
			SessionID: p.sessionID,
			Seq:       ev.Seq,
			Role:      string(ev.Role),
			Text:      ev.Text,
			Timestamp: ev.At,
		})
		cancel()
		if err != nil {
			slog.Warn("livesession: failed to persist transcript event",
				"session_id", p.sessionID,
				"seq", ev.Seq,
				"err", err,
			)
		}
	}
}
