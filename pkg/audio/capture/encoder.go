// Package capture turns an open microphone stream into the fixed-size PCM16
// frames expected by the remote conversational engine.
//
// An [Encoder] pulls float sample blocks from an [audio.CaptureStream],
// downmixes them to mono, resamples them to [audio.WireFormat], quantizes to
// signed 16-bit little-endian PCM and packages each frame with a sequence
// number and a base64 payload. Frames are delivered on a buffered channel;
// the encoder never blocks on its consumer.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studiogen/livestudio/pkg/audio"
)

const (
	// DefaultFrameDuration is the play time of one frame: 4096 samples at
	// 16 kHz.
	DefaultFrameDuration = 256 * time.Millisecond

	// DefaultFrameBuffer is the default depth of the frame channel.
	DefaultFrameBuffer = 32
)

// ErrAlreadyRun is returned by [Encoder.Run] on every call after the first.
var ErrAlreadyRun = errors.New("capture: encoder already run")

// Stats is a snapshot of encoder counters.
type Stats struct {
	// Produced is the number of frames delivered on Frames.
	Produced uint64

	// Dropped is the number of frames discarded because the consumer did not
	// keep up.
	Dropped uint64
}

// Option is a functional option for configuring an [Encoder].
type Option func(*Encoder)

// WithFrameDuration sets the play time of each frame. Non-positive values are
// ignored.
func WithFrameDuration(d time.Duration) Option {
	return func(e *Encoder) {
		if d > 0 {
			e.frameDur = d
		}
	}
}

// WithFrameBuffer sets the depth of the frame channel. Values below 1 are
// ignored.
func WithFrameBuffer(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.bufSize = n
		}
	}
}

// WithOnFrame registers fn to be called synchronously for every frame that is
// delivered. fn must not block.
func WithOnFrame(fn func(audio.Frame)) Option {
	return func(e *Encoder) {
		e.onFrame = fn
	}
}

// WithOnDrop registers fn to be called synchronously for every frame that is
// dropped because the frame channel is full.
func WithOnDrop(fn func(audio.Frame)) Option {
	return func(e *Encoder) {
		e.onDrop = fn
	}
}

// Encoder converts one capture stream into a non-restartable sequence of
// wire frames. Create one per session with [New].
type Encoder struct {
	stream   audio.CaptureStream
	frameDur time.Duration
	bufSize  int
	onFrame  func(audio.Frame)
	onDrop   func(audio.Frame)

	frames    chan audio.Frame
	started   atomic.Bool
	produced  atomic.Uint64
	dropped   atomic.Uint64
	dropWarn  sync.Once
	frameSize int // samples per frame at the wire rate
}

// New returns an Encoder reading from stream. The stream must already be open;
// the encoder never requests device access itself.
func New(stream audio.CaptureStream, opts ...Option) *Encoder {
	e := &Encoder{
		stream:   stream,
		frameDur: DefaultFrameDuration,
		bufSize:  DefaultFrameBuffer,
	}
	for _, o := range opts {
		o(e)
	}
	e.frameSize = int(int64(e.frameDur) * int64(audio.WireFormat.SampleRate) / int64(time.Second))
	if e.frameSize < 1 {
		e.frameSize = 1
	}
	e.frames = make(chan audio.Frame, e.bufSize)
	return e
}

// Frames returns the channel on which encoded frames are delivered. It is
// closed when [Encoder.Run] returns.
func (e *Encoder) Frames() <-chan audio.Frame {
	return e.frames
}

// Stats returns a snapshot of the encoder counters.
func (e *Encoder) Stats() Stats {
	return Stats{Produced: e.produced.Load(), Dropped: e.dropped.Load()}
}

// Run encodes samples until ctx is cancelled or the capture stream ends. It
// returns nil when ctx is cancelled or the stream was closed normally, and an
// error wrapping [audio.ErrDeviceLost] when the device failed. A trailing
// partial frame is discarded. Run does not close the capture stream.
//
// Run may only be called once per Encoder; later calls return
// [ErrAlreadyRun].
func (e *Encoder) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer close(e.frames)

	src := e.stream.Format()
	if src.SampleRate <= 0 || src.Channels <= 0 {
		return fmt.Errorf("capture: invalid stream format %s", src)
	}
	rs := audio.NewResampler(src.SampleRate, audio.WireFormat.SampleRate)
	pending := make([]float32, 0, e.frameSize*2)
	var seq uint64

	samples := e.stream.Samples()
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-samples:
			if !ok {
				if err := e.stream.Err(); err != nil {
					if !errors.Is(err, audio.ErrDeviceLost) {
						err = fmt.Errorf("%w: %w", audio.ErrDeviceLost, err)
					}
					return fmt.Errorf("capture: %w", err)
				}
				return nil
			}

			pending = append(pending, rs.Process(audio.DownmixFloat32(block, src.Channels))...)
			for len(pending) >= e.frameSize {
				seq++
				e.emit(e.buildFrame(seq, pending[:e.frameSize]))
				pending = append(pending[:0], pending[e.frameSize:]...)
			}
		}
	}
}

func (e *Encoder) buildFrame(seq uint64, samples []float32) audio.Frame {
	pcm := audio.QuantizeFloat32(samples)
	return audio.Frame{
		Seq:       seq,
		PCM:       pcm,
		Data:      base64.StdEncoding.EncodeToString(pcm),
		Format:    audio.WireFormat,
		Timestamp: time.Duration(seq-1) * e.frameDur,
	}
}

// emit delivers f without blocking. When the consumer has fallen behind the
// frame is dropped.
func (e *Encoder) emit(f audio.Frame) {
	select {
	case e.frames <- f:
		e.produced.Add(1)
		if e.onFrame != nil {
			e.onFrame(f)
		}
	default:
		e.dropped.Add(1)
		e.dropWarn.Do(func() {
			slog.Warn("capture: frame consumer too slow, dropping frames",
				"seq", f.Seq,
				"buffer", cap(e.frames),
			)
		})
		if e.onDrop != nil {
			e.onDrop(f)
		}
	}
}
