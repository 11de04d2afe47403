package livesession

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/audio/capture"
	"github.com/studiogen/livestudio/pkg/audio/playback"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

// Session is one run of the live session, from Start until the return to
// Idle. It owns the capture stream, the transport, the output clock and the
// scheduled playbacks. A Session is never reused.
type Session struct {
	id         string
	startedAt  time.Time
	transcript *Transcript

	connectCancel context.CancelFunc
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}

	// Set once the session reaches Active and owned by the coordinator from
	// then on.
	capture   audio.CaptureStream
	transport live.Session
	encoder   *capture.Encoder
	output    *playback.StreamOutput
	player    io.Closer
	sched     *playback.Scheduler
	pipe      *pipeline
	persist   *persister
	cancel    context.CancelFunc
	encDone   chan error
	fwdDone   chan struct{}
}

func newSession(id string, connectCancel context.CancelFunc) *Session {
	return &Session{
		id:            id,
		startedAt:     time.Now().UTC(),
		transcript:    newTranscript(id),
		connectCancel: connectCancel,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// StartedAt returns when Start was accepted.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Transcript returns the session's transcript log.
func (s *Session) Transcript() *Transcript { return s.transcript }

// Done is closed when the session has returned to Idle.
func (s *Session) Done() <-chan struct{} { return s.done }

// requestStop asks the session to end. It aborts a pending connect and wakes
// the coordinator. Safe to call any number of times.
func (s *Session) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.connectCancel()
	})
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// run starts the encoder, the frame forwarder and the coordinator.
func (s *Session) run(coordinate func(*Session)) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.encDone = make(chan error, 1)
	s.fwdDone = make(chan struct{})

	go func() {
		s.encDone <- s.encoder.Run(ctx)
	}()
	go func() {
		defer close(s.fwdDone)
		for f := range s.encoder.Frames() {
			s.transport.Send(f)
		}
	}()
	go coordinate(s)
}

// release closes whatever was acquired before the session became Active.
func (s *Session) release() {
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.player != nil {
		_ = s.player.Close()
	}
	if s.output != nil {
		_ = s.output.Close()
	}
	if s.capture != nil {
		_ = s.capture.Close()
	}
}
