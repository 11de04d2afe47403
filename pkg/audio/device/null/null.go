// Package null provides headless audio devices: a microphone that produces
// silence at real-time pace and a speaker that pulls and discards its stream
// at real-time pace. They let the server run on machines without sound
// hardware while keeping the output clock moving.
package null

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/studiogen/livestudio/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*stream)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
)

// DefaultPeriod is the delivery interval of both devices.
const DefaultPeriod = 20 * time.Millisecond

// Microphone is an always-granted capture device delivering silence.
type Microphone struct {
	Format audio.Format
	Period time.Duration
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := m.Format
	if f.SampleRate <= 0 || f.Channels <= 0 {
		f = audio.WireFormat
	}
	period := m.Period
	if period <= 0 {
		period = DefaultPeriod
	}

	s := &stream{
		format:  f,
		samples: make(chan []float32, 8),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	n := f.BytesFor(period) / 2
	go s.run(period, n)
	return s, nil
}

type stream struct {
	format  audio.Format
	samples chan []float32
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *stream) run(period time.Duration, n int) {
	defer close(s.done)
	defer close(s.samples)
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			select {
			case s.samples <- make([]float32, n):
			default:
			}
		}
	}
}

func (s *stream) Format() audio.Format      { return s.format }
func (s *stream) Samples() <-chan []float32 { return s.samples }
func (s *stream) Err() error                { return nil }

func (s *stream) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// Speaker pulls its source at real-time pace and discards the audio.
type Speaker struct {
	OutputFormat audio.Format
	Period       time.Duration
}

// Format implements [audio.Speaker].
func (s *Speaker) Format() audio.Format {
	return s.OutputFormat
}

// Play implements [audio.Speaker].
func (s *Speaker) Play(src io.Reader) (io.Closer, error) {
	period := s.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	p := &puller{stop: make(chan struct{}), done: make(chan struct{})}
	buf := make([]byte, max(s.OutputFormat.BytesFor(period), 2))
	go p.run(src, buf, period)
	return p, nil
}

type puller struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (p *puller) run(src io.Reader, buf []byte, period time.Duration) {
	defer close(p.done)
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			if _, err := src.Read(buf); err != nil {
				return
			}
		}
	}
}

func (p *puller) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return nil
}
