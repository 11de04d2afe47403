// Package playback schedules decoded audio buffers back-to-back on a
// monotonic output clock.
//
// The [Scheduler] owns the output clock reference, the end time of the last
// scheduled buffer and an insertion-ordered table of pending playbacks. Each
// [Scheduler.Enqueue] places its buffer at max(now, lastScheduledEnd) so that
// consecutive chunks play without gaps or overlap, and [Scheduler.FlushAll]
// stops everything at once for barge-in. A single mutex makes Enqueue and
// FlushAll atomic with respect to each other.
//
// The actual rendering is delegated to an [Output]; [StreamOutput] is the
// built-in pull-based renderer that also serves as the [Clock].
package playback

import (
	"sync"
	"time"

	"github.com/studiogen/livestudio/pkg/audio"
)

// Handle identifies one scheduled playback. Handles are assigned from a
// monotonic counter starting at 1 and are never reused by a Scheduler.
type Handle uint64

// Clock reports the current position of the output device's timeline. Now
// must be monotonic non-decreasing.
type Clock interface {
	Now() time.Duration
}

// Output renders scheduled buffers.
//
// Implementations must be safe for concurrent use. The done callback passed to
// Play must not be invoked from within Play or Stop, nor while the Output
// holds its own locks.
type Output interface {
	// Play starts buf at position at on the output clock and reports whether
	// the buffer was accepted. For an accepted buffer done must be called
	// exactly once when it has finished playing naturally. It is not called
	// for buffers removed with Stop, nor for declined buffers.
	Play(id Handle, buf audio.Buffer, at time.Duration, done func()) bool

	// Stop cancels a pending or playing buffer. Unknown handles are ignored.
	Stop(id Handle)
}

// Scheduled describes one buffer placed on the output timeline.
type Scheduled struct {
	// ID is the handle assigned at Enqueue time.
	ID Handle

	// Start is the output clock position at which playback begins.
	Start time.Duration

	// Duration is the play time of Buffer.
	Duration time.Duration

	// Buffer is the decoded audio.
	Buffer audio.Buffer
}

// End returns the output clock position at which playback finishes.
func (s Scheduled) End() time.Duration {
	return s.Start + s.Duration
}

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithOnSchedule registers fn to be called for every buffer placed on the
// timeline. lead is the amount of audio scheduled ahead of the clock after
// the placement. fn runs with the scheduler lock held and must not call back
// into the Scheduler.
func WithOnSchedule(fn func(s Scheduled, lead time.Duration)) Option {
	return func(sc *Scheduler) {
		sc.onSchedule = fn
	}
}

// WithOnFlush registers fn to be called after every non-empty flush with the
// number of handles that were stopped. fn runs with the scheduler lock held
// and must not call back into the Scheduler.
func WithOnFlush(fn func(stopped int)) Option {
	return func(sc *Scheduler) {
		sc.onFlush = fn
	}
}

// Scheduler places buffers gaplessly on an output timeline. All methods are
// safe for concurrent use.
type Scheduler struct {
	clock      Clock
	out        Output
	onSchedule func(Scheduled, time.Duration)
	onFlush    func(int)

	mu      sync.Mutex
	nextID  Handle
	lastEnd time.Duration
	table   table
}

// New creates a Scheduler that reads time from clock and renders through out.
func New(clock Clock, out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock: clock,
		out:   out,
		table: newTable(),
	}
	for _, o := range opts {
		o(s)
	}
	s.lastEnd = clock.Now()
	return s
}

// Enqueue schedules buf to start at max(clock.Now(), lastScheduledEnd) and
// returns its placement. A buffer that is empty, carries a partial sample
// frame or is declined by the Output is not scheduled and yields a zero
// Scheduled.
func (s *Scheduler) Enqueue(buf audio.Buffer) Scheduled {
	d := buf.Duration()
	if d <= 0 || !buf.Playable() {
		return Scheduled{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	start := max(now, s.lastEnd)
	s.nextID++
	id := s.nextID
	if !s.out.Play(id, buf, start, func() { s.complete(id) }) {
		return Scheduled{}
	}
	sc := Scheduled{
		ID:       id,
		Start:    start,
		Duration: d,
		Buffer:   buf,
	}
	s.lastEnd = sc.End()
	s.table.insert(sc)

	if s.onSchedule != nil {
		s.onSchedule(sc, s.lastEnd-now)
	}
	return sc
}

// FlushAll stops every pending or playing buffer, clears the table and
// re-anchors the timeline to the current clock position. It returns the
// number of handles stopped. Flushing an empty table is a no-op.
func (s *Scheduler) FlushAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.table.handles()
	if len(ids) == 0 {
		return 0
	}
	for _, id := range ids {
		s.out.Stop(id)
	}
	s.table.reset()
	s.lastEnd = s.clock.Now()
	if s.onFlush != nil {
		s.onFlush(len(ids))
	}
	return len(ids)
}

// Pending returns a snapshot of the scheduled-but-unfinished buffers in
// insertion order.
func (s *Scheduler) Pending() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.snapshot()
}

// Len returns the number of scheduled-but-unfinished buffers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.len()
}

// LastScheduledEnd returns the end position of the most recently scheduled
// buffer, or the flush anchor after FlushAll.
func (s *Scheduler) LastScheduledEnd() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEnd
}

// Lead returns how much audio is scheduled ahead of the clock.
func (s *Scheduler) Lead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(0, s.lastEnd-s.clock.Now())
}

func (s *Scheduler) complete(id Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.remove(id)
}

// ── Arena table ──────────────────────────────────────────────────────────────

// table is an insertion-ordered arena of scheduled playbacks keyed by handle.
// Because handles are monotonic, insertion order equals handle order and
// removal leaves tombstones that are compacted lazily.
type table struct {
	order []Handle
	slots map[Handle]Scheduled
}

func newTable() table {
	return table{slots: make(map[Handle]Scheduled)}
}

func (t *table) insert(s Scheduled) {
	t.order = append(t.order, s.ID)
	t.slots[s.ID] = s
}

func (t *table) remove(id Handle) {
	if _, ok := t.slots[id]; !ok {
		return
	}
	delete(t.slots, id)
	if len(t.order) > 32 && len(t.slots) < len(t.order)/2 {
		t.compact()
	}
}

func (t *table) compact() {
	live := t.order[:0]
	for _, id := range t.order {
		if _, ok := t.slots[id]; ok {
			live = append(live, id)
		}
	}
	clear(t.order[len(live):])
	t.order = live
}

func (t *table) handles() []Handle {
	out := make([]Handle, 0, len(t.slots))
	for _, id := range t.order {
		if _, ok := t.slots[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (t *table) snapshot() []Scheduled {
	out := make([]Scheduled, 0, len(t.slots))
	for _, id := range t.order {
		if s, ok := t.slots[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (t *table) len() int {
	return len(t.slots)
}

func (t *table) reset() {
	t.order = t.order[:0]
	clear(t.slots)
}
