package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/studiogen/livestudio/pkg/audio"
)

var _ Session = (*Stream)(nil)

// eventBuffer is the depth of the inbound event channel.
const eventBuffer = 64

// WriteFunc writes one frame to the underlying connection.
type WriteFunc func(ctx context.Context, f audio.Frame) error

// ReceiveFunc reads from the underlying connection until it ends, passing each
// decoded event to emit in arrival order. emit returns false once the session
// has been closed locally; the function should then return. A nil return
// means the engine closed the session normally.
type ReceiveFunc func(ctx context.Context, emit func(Event) bool) error

// Stream implements [Session] on top of adapter-supplied read and write
// functions. It owns the bounded outbound queue with its writer goroutine,
// the receive goroutine, and the terminal Error/Closed bookkeeping.
type Stream struct {
	name      string
	write     WriteFunc
	closeConn func() error

	ctx    context.Context
	cancel context.CancelFunc
	out    chan audio.Frame
	events chan Event

	sent       atomic.Uint64
	dropped    atomic.Uint64
	dropWarn   sync.Once
	localClose atomic.Bool

	mu       sync.Mutex
	closed   bool
	writeErr error

	wg        sync.WaitGroup
	connOnce  sync.Once
	connErr   error
	closeOnce sync.Once
}

// NewStream returns a Stream for the named adapter. depth is the outbound
// queue size; closeConn releases the underlying connection and must unblock
// any pending read. Call [Stream.Start] to launch the goroutines.
func NewStream(name string, depth int, write WriteFunc, closeConn func() error) *Stream {
	if depth <= 0 {
		depth = DefaultSendQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		name:      name,
		write:     write,
		closeConn: closeConn,
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan audio.Frame, depth),
		events:    make(chan Event, eventBuffer),
	}
}

// Start launches the writer goroutine and a receive goroutine running recv.
func (s *Stream) Start(recv ReceiveFunc) {
	s.wg.Add(2)
	go s.writeLoop()
	go s.receiveLoop(recv)
}

// Send implements [Session].
func (s *Stream) Send(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.out <- f:
	default:
		s.dropped.Add(1)
		s.dropWarn.Do(func() {
			slog.Warn("live: outbound queue full, dropping frames",
				"provider", s.name,
				"seq", f.Seq,
				"depth", cap(s.out),
			)
		})
	}
}

// Events implements [Session].
func (s *Stream) Events() <-chan Event { return s.events }

// Stats implements [Session].
func (s *Stream) Stats() SendStats {
	return SendStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

// Close implements [Session]. It waits for both goroutines to exit.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.localClose.Store(true)
		s.markClosed()
		err = s.releaseConn()
		s.cancel()
		s.wg.Wait()
	})
	return err
}

func (s *Stream) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Stream) releaseConn() error {
	s.connOnce.Do(func() {
		if s.closeConn != nil {
			if err := s.closeConn(); err != nil {
				s.connErr = fmt.Errorf("%s: close: %w", s.name, err)
			}
		}
	})
	return s.connErr
}

func (s *Stream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.out:
			if err := s.write(s.ctx, f); err != nil {
				if s.localClose.Load() || s.ctx.Err() != nil {
					return
				}
				s.mu.Lock()
				s.writeErr = err
				s.mu.Unlock()
				// Unblocks the receiver, which reports the failure.
				_ = s.releaseConn()
				return
			}
			s.sent.Add(1)
		}
	}
}

func (s *Stream) receiveLoop(recv ReceiveFunc) {
	defer s.wg.Done()
	defer close(s.events)

	err := recv(s.ctx, s.emit)
	if s.localClose.Load() || s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.writeErr != nil {
		err = fmt.Errorf("write: %w", s.writeErr)
	}
	s.mu.Unlock()

	if err != nil {
		reason := fmt.Sprintf("%s: %v", s.name, err)
		slog.Warn("live: session failed", "provider", s.name, "err", err)
		s.emit(Error{Reason: reason})
		s.emit(Closed{Reason: reason})
	} else {
		slog.Info("live: session closed by remote", "provider", s.name)
		s.emit(Closed{Reason: "closed by remote"})
	}

	s.markClosed()
	_ = s.releaseConn()
	// Stop the writer; Close still waits for it.
	s.cancel()
}

// ConnectionError wraps err as a failed Open for the named adapter. op names
// the step that failed, e.g. "dial" or "setup".
func ConnectionError(name, op string, err error) error {
	return fmt.Errorf("%s: %s: %w: %w", name, op, ErrConnectionFailed, err)
}
