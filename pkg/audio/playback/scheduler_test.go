package playback_test

import (
	"sync"
	"testing"
	"time"

	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/audio/playback"
)

// ─── test doubles ────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *fakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = d
}

type playCall struct {
	id   playback.Handle
	at   time.Duration
	done func()
}

type fakeOutput struct {
	mu      sync.Mutex
	plays   []playCall
	stopped []playback.Handle
	decline bool
}

func (o *fakeOutput) Play(id playback.Handle, _ audio.Buffer, at time.Duration, done func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.decline {
		return false
	}
	o.plays = append(o.plays, playCall{id: id, at: at, done: done})
	return true
}

func (o *fakeOutput) Stop(id playback.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = append(o.stopped, id)
}

// finish simulates natural completion of the handle.
func (o *fakeOutput) finish(t *testing.T, id playback.Handle) {
	t.Helper()
	o.mu.Lock()
	var done func()
	for _, p := range o.plays {
		if p.id == id {
			done = p.done
		}
	}
	o.mu.Unlock()
	if done == nil {
		t.Fatalf("handle %d was never played", id)
	}
	done()
}

func (o *fakeOutput) stops() []playback.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]playback.Handle(nil), o.stopped...)
}

var outFormat = audio.Format{SampleRate: 24000, Channels: 1}

// chunk returns a silent buffer of duration d at 24 kHz mono.
func chunk(d time.Duration) audio.Buffer {
	return audio.Buffer{PCM: make([]byte, outFormat.BytesFor(d)), Format: outFormat}
}

func newScheduler(t *testing.T, start time.Duration) (*playback.Scheduler, *fakeClock, *fakeOutput) {
	t.Helper()
	clock := &fakeClock{now: start}
	out := &fakeOutput{}
	return playback.New(clock, out), clock, out
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestScheduler_GaplessBackToBack(t *testing.T) {
	t.Parallel()

	const t0 = 2 * time.Second
	s, _, out := newScheduler(t, t0)

	durations := []time.Duration{500 * time.Millisecond, 120 * time.Millisecond, 40 * time.Millisecond, 500 * time.Millisecond}
	var got []playback.Scheduled
	for _, d := range durations {
		got = append(got, s.Enqueue(chunk(d)))
	}

	if got[0].Start != t0 {
		t.Errorf("first start = %v, want %v", got[0].Start, t0)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Start != got[i-1].End() {
			t.Errorf("chunk %d starts at %v, previous ends at %v", i, got[i].Start, got[i-1].End())
		}
		if got[i].ID <= got[i-1].ID {
			t.Errorf("handle %d not greater than %d", got[i].ID, got[i-1].ID)
		}
	}
	if len(out.plays) != len(durations) {
		t.Errorf("output saw %d plays, want %d", len(out.plays), len(durations))
	}
	for i, p := range out.plays {
		if p.at != got[i].Start {
			t.Errorf("play %d at %v, want %v", i, p.at, got[i].Start)
		}
	}
}

func TestScheduler_StartsNoEarlierThanClock(t *testing.T) {
	t.Parallel()

	s, clock, _ := newScheduler(t, 0)
	first := s.Enqueue(chunk(100 * time.Millisecond))

	// Clock moves past the end of the first chunk: an idle gap.
	clock.Set(time.Second)
	second := s.Enqueue(chunk(100 * time.Millisecond))
	if second.Start != time.Second {
		t.Errorf("after idle gap start = %v, want %v (clock)", second.Start, time.Second)
	}
	if second.Start < first.End() {
		t.Errorf("second chunk overlaps first")
	}

	// Clock inside the scheduled range: stays back-to-back.
	clock.Set(1050 * time.Millisecond)
	third := s.Enqueue(chunk(100 * time.Millisecond))
	if third.Start != second.End() {
		t.Errorf("third start = %v, want %v", third.Start, second.End())
	}
}

func TestScheduler_PendingInvariant(t *testing.T) {
	t.Parallel()

	s, clock, _ := newScheduler(t, 0)
	for i := range 20 {
		clock.Set(time.Duration(i*i) * 10 * time.Millisecond)
		now := clock.Now()
		sc := s.Enqueue(chunk(time.Duration(10+i*7) * time.Millisecond))
		if sc.Start < now {
			t.Fatalf("chunk %d scheduled at %v before clock %v", i, sc.Start, now)
		}
	}
	pending := s.Pending()
	for i := 1; i < len(pending); i++ {
		if pending[i].Start < pending[i-1].Start {
			t.Fatalf("start times decrease at %d: %v < %v", i, pending[i].Start, pending[i-1].Start)
		}
		if pending[i].ID <= pending[i-1].ID {
			t.Fatalf("pending not in insertion order at %d", i)
		}
	}
}

func TestScheduler_FlushThenEnqueueAnchorsAtNow(t *testing.T) {
	t.Parallel()

	s, clock, out := newScheduler(t, 0)
	s.Enqueue(chunk(500 * time.Millisecond))
	s.Enqueue(chunk(500 * time.Millisecond))
	s.Enqueue(chunk(500 * time.Millisecond))

	clock.Set(300 * time.Millisecond)
	if n := s.FlushAll(); n != 3 {
		t.Fatalf("FlushAll stopped %d, want 3", n)
	}
	if got := s.LastScheduledEnd(); got != 300*time.Millisecond {
		t.Errorf("lastScheduledEnd after flush = %v, want 300ms", got)
	}
	if len(out.stops()) != 3 {
		t.Errorf("output saw %d stops, want 3", len(out.stops()))
	}

	clock.Set(310 * time.Millisecond)
	next := s.Enqueue(chunk(100 * time.Millisecond))
	if next.Start != 310*time.Millisecond {
		t.Errorf("post-flush start = %v, want clock 310ms", next.Start)
	}
}

func TestScheduler_EmptyFlushIsNoOp(t *testing.T) {
	t.Parallel()

	var flushes int
	clock := &fakeClock{now: time.Second}
	out := &fakeOutput{}
	s := playback.New(clock, out, playback.WithOnFlush(func(int) { flushes++ }))

	before := s.LastScheduledEnd()
	if n := s.FlushAll(); n != 0 {
		t.Errorf("FlushAll on empty = %d, want 0", n)
	}
	if s.LastScheduledEnd() != before {
		t.Errorf("lastScheduledEnd changed: %v → %v", before, s.LastScheduledEnd())
	}
	if flushes != 0 || len(out.stops()) != 0 {
		t.Errorf("empty flush had side effects: flushes=%d stops=%d", flushes, len(out.stops()))
	}
}

func TestScheduler_NaturalCompletionRemovesHandle(t *testing.T) {
	t.Parallel()

	s, _, out := newScheduler(t, 0)
	a := s.Enqueue(chunk(100 * time.Millisecond))
	b := s.Enqueue(chunk(100 * time.Millisecond))

	out.finish(t, a.ID)
	pending := s.Pending()
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("pending = %v, want only %d", pending, b.ID)
	}

	out.finish(t, b.ID)
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}

	// A late completion for an already-removed handle is ignored.
	out.finish(t, a.ID)
	if s.Len() != 0 {
		t.Errorf("Len after duplicate completion = %d", s.Len())
	}
}

func TestScheduler_StaleCompletionAfterFlush(t *testing.T) {
	t.Parallel()

	s, _, out := newScheduler(t, 0)
	a := s.Enqueue(chunk(100 * time.Millisecond))
	s.FlushAll()
	b := s.Enqueue(chunk(100 * time.Millisecond))

	out.finish(t, a.ID)
	if pending := s.Pending(); len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("stale completion disturbed table: %v", pending)
	}
}

func TestScheduler_ThreeChunksInterruptDuringSecond(t *testing.T) {
	t.Parallel()

	const t0 = 10 * time.Second
	s, clock, out := newScheduler(t, t0)
	c1 := s.Enqueue(chunk(500 * time.Millisecond))
	c2 := s.Enqueue(chunk(500 * time.Millisecond))
	c3 := s.Enqueue(chunk(500 * time.Millisecond))

	want := []time.Duration{t0, t0 + 500*time.Millisecond, t0 + time.Second}
	for i, c := range []playback.Scheduled{c1, c2, c3} {
		if c.Start != want[i] {
			t.Errorf("chunk %d start = %v, want %v", i+1, c.Start, want[i])
		}
	}

	// Chunk 1 finishes, interrupt arrives while chunk 2 is playing.
	clock.Set(t0 + 700*time.Millisecond)
	out.finish(t, c1.ID)
	s.FlushAll()

	if s.Len() != 0 {
		t.Errorf("pending after interrupt = %d, want 0", s.Len())
	}
	stops := out.stops()
	if len(stops) != 2 || stops[0] != c2.ID || stops[1] != c3.ID {
		t.Errorf("stopped = %v, want [%d %d]", stops, c2.ID, c3.ID)
	}
}

func TestScheduler_ConcurrentEnqueueAndFlush(t *testing.T) {
	t.Parallel()

	s, clock, _ := newScheduler(t, 0)
	var wg sync.WaitGroup
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				if g == 0 && i%10 == 0 {
					s.FlushAll()
					continue
				}
				clock.Set(time.Duration(g*1000+i) * time.Microsecond)
				s.Enqueue(chunk(5 * time.Millisecond))
			}
		}()
	}
	wg.Wait()

	pending := s.Pending()
	for i := 1; i < len(pending); i++ {
		if pending[i].Start < pending[i-1].End() {
			t.Fatalf("overlap at %d: start %v < previous end %v", i, pending[i].Start, pending[i-1].End())
		}
	}
}

func TestScheduler_Hooks(t *testing.T) {
	t.Parallel()

	var leads []time.Duration
	var flushed []int
	clock := &fakeClock{}
	s := playback.New(clock, &fakeOutput{},
		playback.WithOnSchedule(func(_ playback.Scheduled, lead time.Duration) { leads = append(leads, lead) }),
		playback.WithOnFlush(func(n int) { flushed = append(flushed, n) }),
	)

	s.Enqueue(chunk(200 * time.Millisecond))
	s.Enqueue(chunk(300 * time.Millisecond))
	if len(leads) != 2 || leads[0] != 200*time.Millisecond || leads[1] != 500*time.Millisecond {
		t.Errorf("leads = %v", leads)
	}
	if got := s.Lead(); got != 500*time.Millisecond {
		t.Errorf("Lead = %v", got)
	}

	s.FlushAll()
	if len(flushed) != 1 || flushed[0] != 2 {
		t.Errorf("flushed = %v", flushed)
	}
	if got := s.Lead(); got != 0 {
		t.Errorf("Lead after flush = %v", got)
	}
}

func TestScheduler_EmptyBufferIgnored(t *testing.T) {
	t.Parallel()

	s, _, out := newScheduler(t, 0)
	if sc := s.Enqueue(audio.Buffer{Format: outFormat}); sc.ID != 0 {
		t.Errorf("empty buffer got handle %d", sc.ID)
	}
	if len(out.plays) != 0 || s.Len() != 0 {
		t.Error("empty buffer reached the output")
	}
}

func TestScheduler_PartialFrameRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		buf  audio.Buffer
	}{
		{"stereo shorter than one frame", audio.Buffer{PCM: []byte{1, 0}, Format: audio.Format{SampleRate: 48000, Channels: 2}}},
		{"trailing partial frame", audio.Buffer{PCM: make([]byte, 6), Format: audio.Format{SampleRate: 48000, Channels: 2}}},
		{"odd byte count", audio.Buffer{PCM: make([]byte, 481), Format: outFormat}},
		{"zero channels", audio.Buffer{PCM: make([]byte, 480), Format: audio.Format{SampleRate: 24000}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _, out := newScheduler(t, 0)
			if sc := s.Enqueue(tt.buf); sc.ID != 0 {
				t.Errorf("got handle %d, want none", sc.ID)
			}
			if len(out.plays) != 0 || s.Len() != 0 {
				t.Error("buffer reached the output")
			}
			if s.LastScheduledEnd() != 0 {
				t.Errorf("LastScheduledEnd = %v, want 0", s.LastScheduledEnd())
			}
		})
	}
}

func TestScheduler_DeclinedBufferNotTracked(t *testing.T) {
	t.Parallel()

	s, clock, out := newScheduler(t, 0)
	clock.Set(40 * time.Millisecond)
	out.decline = true
	if sc := s.Enqueue(chunk(100 * time.Millisecond)); sc.ID != 0 {
		t.Errorf("declined buffer got handle %d", sc.ID)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
	if s.LastScheduledEnd() != 0 {
		t.Errorf("declined buffer moved LastScheduledEnd to %v", s.LastScheduledEnd())
	}

	out.decline = false
	sc := s.Enqueue(chunk(100 * time.Millisecond))
	if sc.Start != 40*time.Millisecond {
		t.Errorf("next Start = %v, want 40ms", sc.Start)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}
