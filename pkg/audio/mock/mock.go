// Package mock provides in-memory mock implementations of the
// [audio.Microphone], [audio.CaptureStream] and [audio.Speaker] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(audio.Format{SampleRate: 48000, Channels: 1})
//	mic := &mock.Microphone{OpenResult: stream}
//	got, err := mic.Open(ctx)
//	stream.Push(make([]float32, 480))
//	stream.Fail(errors.New("unplugged"))
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/studiogen/livestudio/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Tests feed
// sample blocks with [CaptureStream.Push] and end the stream with
// [CaptureStream.Fail] or Close.
type CaptureStream struct {
	mu     sync.Mutex
	format audio.Format
	ch     chan []float32
	err    error
	closed bool

	// CloseError is returned by [CaptureStream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureStream returns an open CaptureStream reporting format f.
func NewCaptureStream(f audio.Format) *CaptureStream {
	return &CaptureStream{
		format: f,
		ch:     make(chan []float32, 64),
	}
}

// Format implements [audio.CaptureStream].
func (s *CaptureStream) Format() audio.Format { return s.format }

// Samples implements [audio.CaptureStream].
func (s *CaptureStream) Samples() <-chan []float32 { return s.ch }

// Err implements [audio.CaptureStream].
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.CaptureStream]. Records the call and returns
// CloseError. Only the first call closes the sample channel.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.CloseError
}

// Push delivers one sample block. It is a no-op after the stream ended.
func (s *CaptureStream) Push(block []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- block
}

// Fail simulates a device failure: Err reports cause wrapped in
// [audio.ErrDeviceLost] and the sample channel closes.
func (s *CaptureStream) Fail(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = fmt.Errorf("%w: %w", audio.ErrDeviceLost, cause)
	s.closed = true
	close(s.ch)
}

// Closed reports whether the stream has ended.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenResult is the [audio.CaptureStream] returned by Open.
	OpenResult audio.CaptureStream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenGate, when non-nil, makes Open wait until it is closed or the
	// context is cancelled. Use it to hold a permission prompt open.
	OpenGate chan struct{}

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Microphone]. Records the call and returns
// OpenResult / OpenError.
func (m *Microphone) Open(ctx context.Context) (audio.CaptureStream, error) {
	m.mu.Lock()
	m.CallCountOpen++
	gate := m.OpenGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	return m.OpenResult, nil
}

// Opens returns how many times Open was called.
func (m *Microphone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountOpen
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker]. It never pulls from the
// source on its own; tests drive the output clock by calling [Speaker.Pull].
type Speaker struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// PlayError is returned by Play.
	PlayError error

	// CloseError is returned when a player returned by Play is closed.
	CloseError error

	// CallCountPlay records how many times Play was called.
	CallCountPlay int

	// CallCountStop records how many times a player returned by Play was
	// closed.
	CallCountStop int

	src io.Reader
}

// Format implements [audio.Speaker].
func (s *Speaker) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Play implements [audio.Speaker]. Records the source for [Speaker.Pull].
func (s *Speaker) Play(src io.Reader) (io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPlay++
	if s.PlayError != nil {
		return nil, s.PlayError
	}
	s.src = src
	return &player{s: s}, nil
}

// Pull reads n bytes from the most recent source, as a device would. It
// returns the bytes read or nil when nothing is playing.
func (s *Speaker) Pull(n int) []byte {
	s.mu.Lock()
	src := s.src
	s.mu.Unlock()
	if src == nil {
		return nil
	}
	p := make([]byte, n)
	got, _ := io.ReadFull(src, p)
	return p[:got]
}

// Stops returns how many players were closed.
func (s *Speaker) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop
}

type player struct {
	s    *Speaker
	once sync.Once
}

func (p *player) Close() error {
	p.once.Do(func() {
		p.s.mu.Lock()
		defer p.s.mu.Unlock()
		p.s.CallCountStop++
		p.s.src = nil
	})
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.CloseError
}

// Compile-time interface assertions.
var (
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
)
