// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Open calls and hand out controlled sessions. Use
// Session to inject inbound events and inspect the frames that were sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	s, _ := p.Open(ctx, cfg)
//	sess.Emit(live.Interrupted{})
//	sess.Finish("closed by remote")
package mock

import (
	"context"
	"sync"

	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	Ctx context.Context
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Empty means "mock".
	ProviderName string

	// Session is returned by Open. If nil, Open returns a fresh Session.
	Session *Session

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenGate, if non-nil, makes Open block until it is closed or the
	// context is cancelled.
	OpenGate chan struct{}

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	sessions []*Session
}

var _ live.Provider = (*Provider)(nil)

// Open records the call and returns Session or OpenErr.
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	gate := p.OpenGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Opens returns the number of Open calls so far.
func (p *Provider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// LastConfig returns the config passed to the most recent Open call.
func (p *Provider) LastConfig() live.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.OpenCalls) == 0 {
		return live.Config{}
	}
	return p.OpenCalls[len(p.OpenCalls)-1].Cfg
}

// Last returns the most recently opened session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	events chan live.Event
	done   bool

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Frames records every frame passed to Send in order.
	Frames []audio.Frame

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// Dropped is reported by Stats.
	Dropped uint64
}

var _ live.Session = (*Session)(nil)

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Send records the frame. Frames sent after the session ended are counted as
// dropped.
func (s *Session) Send(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		s.Dropped++
		return
	}
	s.Frames = append(s.Frames, f)
}

// Events returns the inbound event channel.
func (s *Session) Events() <-chan live.Event { return s.events }

// Stats reports the recorded frames as sent.
func (s *Session) Stats() live.SendStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return live.SendStats{Sent: uint64(len(s.Frames)), Dropped: s.Dropped}
}

// Close ends the session locally: the event channel is closed without a
// Closed event.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.finishLocked()
	return s.CloseErr
}

// Emit delivers ev to the consumer. It is a no-op once the session ended.
func (s *Session) Emit(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.events <- ev
}

// Fail emits Error and Closed with reason and ends the session.
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.events <- live.Error{Reason: reason}
	s.events <- live.Closed{Reason: reason}
	s.finishLocked()
}

// Finish emits Closed with reason and ends the session.
func (s *Session) Finish(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.events <- live.Closed{Reason: reason}
	s.finishLocked()
}

// SentFrames returns a copy of the recorded frames.
func (s *Session) SentFrames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.Frames))
	copy(out, s.Frames)
	return out
}

// Closes returns CloseCallCount.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

func (s *Session) finishLocked() {
	if s.done {
		return
	}
	s.done = true
	close(s.events)
}
