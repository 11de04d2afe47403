// Package livesession is the state machine that supervises the real-time
// duplex audio session.
//
// A [Manager] moves one session through Idle → Connecting → Active → Closing
// → Idle. Start opens the microphone and the transport in parallel; once
// both succeed the capture encoder is started and its frames are forwarded
// to the transport. A single coordinator goroutine per session then consumes
// inbound transport events, encoder termination and stop requests:
//
//   - transcript deltas are appended to the session transcript immediately,
//   - audio chunks go through an ordered decode pipeline into the playback
//     scheduler,
//   - an interrupt flushes the scheduler and stays Active,
//   - a remote error, remote close, capture failure or Stop tears the session
//     down and returns to Idle.
//
// The Manager never reconnects on its own. A fatal error is kept for
// [Manager.LastError] and the transcript produced so far stays readable until
// the next Start.
package livesession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/studiogen/livestudio/internal/observe"
	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/audio/capture"
	"github.com/studiogen/livestudio/pkg/audio/playback"
	"github.com/studiogen/livestudio/pkg/memory"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

// DefaultSystemInstruction is the director persona used when no system
// instruction is configured.
const DefaultSystemInstruction = "You are a high-level Creative Director for StudioGen AI. " +
	"Your goal is to assist the user in real-time with cinematic storytelling, " +
	"script adjustments, and visual direction. Be insightful, creative, and professional."

// DefaultChunkFormat is the format assumed for inbound audio chunks whose
// MIME type does not carry a rate.
var DefaultChunkFormat = audio.Format{SampleRate: 24000, Channels: 1}

// subscriberBuffer is the channel depth of each [Manager.Subscribe] consumer.
const subscriberBuffer = 64

// ErrNoStore is returned by [Manager.History] and [Manager.Search] when no
// transcript store is configured.
var ErrNoStore = errors.New("livesession: no transcript store configured")

// Settings are the per-session parameters. Changes made with
// [Manager.Apply] take effect on the next Start.
type Settings struct {
	// Live is passed through to [live.Provider.Open].
	Live live.Config

	// FrameDuration is the play time of each outbound frame.
	FrameDuration time.Duration

	// FrameBuffer is the depth of the encoder's frame channel.
	FrameBuffer int

	// DecodeConcurrency bounds the number of chunks decoded in parallel.
	DecodeConcurrency int

	// ChunkFormat is the format assumed for chunks without a rate in their
	// MIME type.
	ChunkFormat audio.Format
}

// DefaultSettings returns the settings used when none are supplied: audio
// responses, transcription in both directions and the director persona.
func DefaultSettings() Settings {
	return Settings{
		Live: live.Config{
			ResponseModalities:  []live.Modality{live.ModalityAudio},
			SystemInstruction:   DefaultSystemInstruction,
			InputTranscription:  true,
			OutputTranscription: true,
		},
		FrameDuration:     capture.DefaultFrameDuration,
		FrameBuffer:       capture.DefaultFrameBuffer,
		DecodeConcurrency: DefaultDecodeConcurrency,
		ChunkFormat:       DefaultChunkFormat,
	}
}

func (s Settings) chunkFormat() audio.Format {
	if s.ChunkFormat.SampleRate <= 0 || s.ChunkFormat.Channels <= 0 {
		return DefaultChunkFormat
	}
	return s.ChunkFormat
}

// Update is pushed to subscribers on every state change and transcript event.
type Update struct {
	// State is the state after the change.
	State State `json:"state"`

	// SessionID identifies the session the update belongs to.
	SessionID string `json:"session_id,omitempty"`

	// Transcript is set for transcript updates.
	Transcript *TranscriptEvent `json:"transcript,omitempty"`

	// Error is the human-readable cause when the session returned to Idle
	// because of a failure.
	Error string `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the manager.
type Snapshot struct {
	State         State     `json:"state"`
	Provider      string    `json:"provider"`
	SessionID     string    `json:"session_id,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	Transcript    int       `json:"transcript_events"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
	Playing       int       `json:"playing"`
	PlaybackLead  float64   `json:"playback_lead_seconds"`
}

// Option is a functional option for configuring a [Manager].
type Option func(*Manager)

// WithSettings sets the initial session settings.
func WithSettings(s Settings) Option {
	return func(m *Manager) {
		m.settings = s
	}
}

// WithStore persists every transcript event to store.
func WithStore(store memory.SessionStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithMetrics records instruments on metrics instead of
// [observe.DefaultMetrics].
func WithMetrics(metrics *observe.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// withDecoder replaces the chunk decoder. Tests use it to inject latency.
func withDecoder(fn func(out, fallback audio.Format) decodeFunc) Option {
	return func(m *Manager) {
		m.newDecoder = fn
	}
}

// Manager owns at most one live session at a time. All exported methods are
// safe for concurrent use.
type Manager struct {
	mic        audio.Microphone
	speaker    audio.Speaker
	provider   live.Provider
	store      memory.SessionStore
	metrics    *observe.Metrics
	newDecoder func(out, fallback audio.Format) decodeFunc

	mu         sync.Mutex
	settings   Settings
	state      State
	cur        *Session
	transcript *Transcript
	lastErr    error
	subs       map[int]chan Update
	nextSub    int
	subWarn    sync.Once
}

// New creates an idle Manager.
func New(mic audio.Microphone, speaker audio.Speaker, provider live.Provider, opts ...Option) *Manager {
	m := &Manager{
		mic:        mic,
		speaker:    speaker,
		provider:   provider,
		settings:   DefaultSettings(),
		newDecoder: newDecoder,
		subs:       make(map[int]chan Update),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// ── Control ──────────────────────────────────────────────────────────────────

// Start opens a new session and blocks until it is Active or has failed. It
// returns the session ID.
//
// Start is only accepted in Idle; otherwise it returns an error wrapping
// [ErrPrecondition] and changes nothing. Failures wrap [ErrPermissionDenied],
// [ErrConnectionFailed] or [ErrStream]. If ctx is cancelled or [Manager.Stop]
// is called while connecting, Start returns an error wrapping
// [context.Canceled] and no failure is recorded.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		st := m.state
		m.mu.Unlock()
		return "", fmt.Errorf("livesession: start while %s: %w", st, ErrPrecondition)
	}
	connectCtx, cancel := context.WithCancel(ctx)
	s := newSession(uuid.NewString(), cancel)
	settings := m.settings
	m.cur = s
	m.transcript = s.transcript
	m.lastErr = nil
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	ctx, span := observe.StartSessionSpan(observe.WithSessionID(ctx, s.id), observe.SpanSessionStart,
		observe.Attr("provider", m.provider.Name()),
	)
	defer span.End()
	log := observe.Logger(ctx)

	err := m.connect(connectCtx, s, settings)
	cancel()
	if err == nil {
		err = m.activate(s, settings)
	}
	if err != nil {
		cause := err
		if s.stopRequested() || ctx.Err() != nil {
			err = fmt.Errorf("livesession: start aborted: %w", context.Canceled)
			cause = nil
		} else {
			m.metrics.RecordProviderError(ctx, m.provider.Name(), errorKind(err))
		}
		m.abort(s, cause)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("live session failed to start", "err", err)
		return "", err
	}

	log.Info("live session started",
		"provider", m.provider.Name(),
		"voice", settings.Live.Voice,
	)
	return s.id, nil
}

// Stop ends the current session and blocks until the manager is Idle or ctx
// is done. Stopping an idle manager is a no-op; concurrent and repeated calls
// share a single teardown.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	_, span := observe.StartSessionSpan(observe.WithSessionID(ctx, s.id), observe.SpanSessionStop)
	defer span.End()

	s.requestStop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("livesession: stop: %w", ctx.Err())
	}
}

// Apply replaces the session settings. A running session keeps the settings
// it was started with.
func (m *Manager) Apply(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
}

// ── Queries ──────────────────────────────────────────────────────────────────

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current session, or nil when Idle.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// LastError returns the cause of the most recent fatal failure, or nil. It is
// cleared by the next Start.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Transcript returns the transcript of the current or most recent session in
// arrival order.
func (m *Manager) Transcript() []TranscriptEvent {
	m.mu.Lock()
	t := m.transcript
	m.mu.Unlock()
	if t == nil {
		return []TranscriptEvent{}
	}
	return t.Events()
}

// Snapshot returns the current state together with session counters.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		State:     m.state,
		Provider:  m.provider.Name(),
		LastError: Describe(m.lastErr),
	}
	s := m.cur
	t := m.transcript
	active := m.state == StateActive
	m.mu.Unlock()

	if t != nil {
		snap.Transcript = t.Len()
	}
	if s != nil {
		snap.SessionID = s.id
		snap.StartedAt = s.startedAt
		if active {
			st := s.transport.Stats()
			snap.FramesSent = st.Sent
			snap.FramesDropped = st.Dropped + s.encoder.Stats().Dropped
			snap.Playing = s.sched.Len()
			snap.PlaybackLead = s.sched.Lead().Seconds()
		}
	}
	return snap
}

// History returns the persisted transcript of a past or current session.
func (m *Manager) History(ctx context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	entries, err := m.store.Entries(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("livesession: history: %w", err)
	}
	return entries, nil
}

// Search runs a full-text query over persisted transcripts.
func (m *Manager) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	entries, err := m.store.Search(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("livesession: search: %w", err)
	}
	return entries, nil
}

// Subscribe returns a channel receiving every state change and transcript
// event, and a function that cancels the subscription. Slow subscribers miss
// updates rather than stalling the session.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Update, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// connect opens the microphone and the transport in parallel. Both must
// succeed; on failure whatever was opened is closed again.
func (m *Manager) connect(ctx context.Context, s *Session, settings Settings) error {
	var (
		stream    audio.CaptureStream
		transport live.Session
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cs, err := m.mic.Open(gctx)
		if err != nil {
			return permissionError(err)
		}
		stream = cs
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		ts, err := m.provider.Open(gctx, settings.Live)
		m.metrics.RecordTransportOpen(ctx, m.provider.Name(), time.Since(start))
		if err != nil {
			return connectionError(err)
		}
		transport = ts
		return nil
	})
	err := g.Wait()
	s.capture = stream
	s.transport = transport
	if err != nil {
		s.release()
		return err
	}
	return nil
}

// activate builds the playback path and the encoder, then moves the session
// to Active and starts its goroutines.
func (m *Manager) activate(s *Session, settings Settings) error {
	s.output = playback.NewStreamOutput(m.speaker.Format())
	player, err := m.speaker.Play(s.output)
	if err != nil {
		s.release()
		return streamError(fmt.Errorf("output device: %w", err))
	}
	s.player = player

	bg := context.Background()
	s.sched = playback.New(s.output, s.output,
		playback.WithOnSchedule(func(_ playback.Scheduled, lead time.Duration) {
			m.metrics.RecordChunkScheduled(bg, lead)
		}),
	)
	s.pipe = newPipeline(s.sched, m.newDecoder(s.output.Format(), settings.chunkFormat()), settings.DecodeConcurrency)
	s.pipe.onDecoded = func(d time.Duration) {
		m.metrics.ChunkDecodeDuration.Record(bg, d.Seconds())
	}
	s.pipe.onError = func(err error) {
		slog.Warn("livesession: dropping undecodable audio chunk", "session_id", s.id, "err", err)
		m.metrics.RecordProviderError(bg, m.provider.Name(), "decode")
	}
	s.encoder = capture.New(s.capture,
		capture.WithFrameDuration(settings.FrameDuration),
		capture.WithFrameBuffer(settings.FrameBuffer),
		capture.WithOnFrame(func(audio.Frame) {
			m.metrics.FramesCaptured.Add(bg, 1)
		}),
		capture.WithOnDrop(func(audio.Frame) {
			m.metrics.RecordFrameDropped(bg, observe.StageCapture, 1)
		}),
	)
	if m.store != nil {
		s.persist = newPersister(m.store, s.id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.stopRequested() {
		s.pipe.close()
		if s.persist != nil {
			s.persist.close()
		}
		s.release()
		return fmt.Errorf("livesession: stopped while connecting: %w", context.Canceled)
	}
	m.setStateLocked(StateActive, nil)
	s.run(m.coordinate)
	return nil
}

// abort returns a session that never became Active to Idle.
func (m *Manager) abort(s *Session, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(StateClosing, nil)
	m.finishLocked(s, cause)
}

// coordinate is the single consumer of a session's events. It runs until the
// session must end and then tears it down.
func (m *Manager) coordinate(s *Session) {
	events := s.transport.Events()
	encDone := s.encDone
	var cause error

loop:
	for {
		select {
		case <-s.stop:
			break loop

		case err := <-encDone:
			encDone = nil
			if err == nil {
				err = errors.New("capture stream ended")
			}
			cause = streamError(err)
			break loop

		case ev, ok := <-events:
			if !ok {
				cause = streamError(errors.New("event stream ended"))
				break loop
			}
			if cause = m.handle(s, ev); cause != nil {
				break loop
			}
		}
	}

	if cause != nil {
		m.metrics.RecordProviderError(context.Background(), m.provider.Name(), errorKind(cause))
	}
	m.teardown(s, cause, encDone == nil)
}

// handle applies one inbound event. A non-nil return ends the session.
func (m *Manager) handle(s *Session, ev live.Event) error {
	switch ev := ev.(type) {
	case live.AudioChunk:
		s.pipe.submit(ev)

	case live.TranscriptDelta:
		if ev.Text == "" {
			return nil
		}
		te := s.transcript.append(ev.Role, ev.Text, time.Now().UTC())
		if s.persist != nil {
			s.persist.enqueue(te)
		}
		m.mu.Lock()
		m.broadcastLocked(Update{State: m.state, SessionID: s.id, Transcript: &te})
		m.mu.Unlock()

	case live.Interrupted:
		n := s.pipe.interrupt()
		if n > 0 {
			m.metrics.RecordFlush(context.Background(), "interrupted")
		}
		slog.Debug("livesession: playback interrupted", "session_id", s.id, "stopped", n)

	case live.Error:
		return streamError(&remoteError{reason: ev.Reason})

	case live.Closed:
		return streamError(&remoteError{closed: true, reason: ev.Reason})
	}
	return nil
}

// teardown releases an Active session in order: stop capture, close the
// transport, flush playback, release the microphone.
func (m *Manager) teardown(s *Session, cause error, encoderDone bool) {
	m.mu.Lock()
	m.setStateLocked(StateClosing, nil)
	m.mu.Unlock()

	ctx := context.Background()

	s.cancel()
	if !encoderDone {
		<-s.encDone
	}
	<-s.fwdDone

	if err := s.transport.Close(); err != nil {
		slog.Warn("livesession: transport close failed", "session_id", s.id, "err", err)
	}
	st := s.transport.Stats()
	m.metrics.FramesSent.Add(ctx, int64(st.Sent))
	m.metrics.RecordFrameDropped(ctx, observe.StageTransport, int64(st.Dropped))

	s.pipe.close()
	if n := s.sched.FlushAll(); n > 0 {
		m.metrics.RecordFlush(ctx, "stop")
	}
	if err := s.player.Close(); err != nil {
		slog.Warn("livesession: player close failed", "session_id", s.id, "err", err)
	}
	if err := s.output.Close(); err != nil {
		slog.Warn("livesession: output close failed", "session_id", s.id, "err", err)
	}

	if err := s.capture.Close(); err != nil {
		slog.Warn("livesession: capture close failed", "session_id", s.id, "err", err)
	}
	if s.persist != nil {
		s.persist.close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishLocked(s, cause)
}

// finishLocked records cause, moves to Idle and wakes Stop callers.
func (m *Manager) finishLocked(s *Session, cause error) {
	m.lastErr = cause
	m.cur = nil
	m.setStateLocked(StateIdle, cause)
	close(s.done)

	if cause != nil {
		slog.Warn("live session ended", "session_id", s.id, "err", cause)
	} else {
		slog.Info("live session ended", "session_id", s.id,
			"duration", time.Since(s.startedAt).Round(time.Millisecond),
			"transcript_events", s.transcript.Len(),
		)
	}
}

// setStateLocked performs a transition, records it and notifies subscribers.
func (m *Manager) setStateLocked(to State, cause error) {
	from := m.state
	m.state = to

	ctx := context.Background()
	m.metrics.RecordTransition(ctx, from.String(), to.String())
	switch {
	case from == StateIdle && to != StateIdle:
		m.metrics.ActiveSessions.Add(ctx, 1)
	case from != StateIdle && to == StateIdle:
		m.metrics.ActiveSessions.Add(ctx, -1)
	}

	u := Update{State: to, Error: Describe(cause)}
	if m.cur != nil {
		u.SessionID = m.cur.id
	} else if m.transcript != nil {
		u.SessionID = m.transcript.SessionID()
	}
	m.broadcastLocked(u)
	slog.Debug("livesession: state changed", "from", from.String(), "to", to.String(), "session_id", u.SessionID)
}

func (m *Manager) broadcastLocked(u Update) {
	for _, ch := range m.subs {
		select {
		case ch <- u:
		default:
			m.subWarn.Do(func() {
				slog.Warn("livesession: subscriber too slow, dropping updates")
			})
		}
	}
}
