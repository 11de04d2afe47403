// Package desktop provides audio device backends for desktop operating systems:
// a microphone built on miniaudio (via malgo) and a speaker built on oto.
//
// Both backends require cgo on Linux and access to a sound server. They are
// selected with the "desktop" capture/playback backend in the configuration.
package desktop

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/studiogen/livestudio/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
)

// MicOption is a functional option for configuring a [Microphone].
type MicOption func(*Microphone)

// WithCaptureFormat sets the native capture format requested from the device.
// The capture encoder downsamples to the wire format, so any rate works.
func WithCaptureFormat(f audio.Format) MicOption {
	return func(m *Microphone) {
		m.format = f
	}
}

// WithPeriod sets the device callback period in milliseconds.
func WithPeriod(ms uint32) MicOption {
	return func(m *Microphone) {
		if ms > 0 {
			m.periodMS = ms
		}
	}
}

// Microphone opens the default capture device through miniaudio.
// Create one per process with [NewMicrophone] and release it with Close.
type Microphone struct {
	format   audio.Format
	periodMS uint32

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	closed bool
}

// NewMicrophone returns a Microphone. The miniaudio context is created lazily
// on the first Open.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{
		format:   audio.Format{SampleRate: 48000, Channels: 1},
		periodMS: 20,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Microphone]. Starting the device is what triggers the
// operating system's permission prompt; a refusal is reported as
// [audio.ErrPermissionDenied].
func (m *Microphone) Open(ctx context.Context) (audio.CaptureStream, error) {
	mctx, err := m.context()
	if err != nil {
		return nil, err
	}

	type result struct {
		s   *captureStream
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := m.start(mctx)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		return r.s, r.err
	case <-ctx.Done():
		// The prompt may still be showing; release the device once it returns.
		go func() {
			if r := <-done; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, fmt.Errorf("desktop: open microphone: %w", ctx.Err())
	}
}

// Close releases the miniaudio context. Open fails after Close.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.mctx == nil {
		return nil
	}
	err := m.mctx.Uninit()
	m.mctx.Free()
	m.mctx = nil
	if err != nil {
		return fmt.Errorf("desktop: uninit audio context: %w", err)
	}
	return nil
}

func (m *Microphone) context() (*malgo.AllocatedContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("desktop: microphone closed")
	}
	if m.mctx != nil {
		return m.mctx, nil
	}
	cfg := malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}
	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("desktop: init audio context: %w", err)
	}
	m.mctx = mctx
	return mctx, nil
}

func (m *Microphone) start(mctx *malgo.AllocatedContext) (*captureStream, error) {
	s := &captureStream{
		format:  m.format,
		samples: make(chan []float32, 64),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(m.format.Channels)
	devCfg.SampleRate = uint32(m.format.SampleRate)
	devCfg.PeriodSizeInMilliseconds = m.periodMS

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			s.deliver(input)
		},
		Stop: func() {
			s.stopped()
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, classifyOpenErr("init capture device", err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classifyOpenErr("start capture device", err)
	}
	slog.Debug("desktop: microphone started",
		"format", m.format.String(),
		"period_ms", m.periodMS,
	)
	return s, nil
}

// classifyOpenErr maps miniaudio access failures to audio.ErrPermissionDenied.
func classifyOpenErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("desktop: %s: %w: %w", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("desktop: %s: %w", op, err)
}

// ── captureStream ────────────────────────────────────────────────────────────

type captureStream struct {
	format  audio.Format
	dev     *malgo.Device
	samples chan []float32

	closing  atomic.Bool
	mu       sync.Mutex
	err      error
	finished bool
	dropWarn sync.Once
}

func (s *captureStream) Format() audio.Format      { return s.format }
func (s *captureStream) Samples() <-chan []float32 { return s.samples }

func (s *captureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// deliver runs on the audio thread and must not block.
func (s *captureStream) deliver(input []byte) {
	if s.closing.Load() {
		return
	}
	block := make([]float32, len(input)/4)
	for i := range block {
		block[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.samples <- block:
	default:
		s.dropWarn.Do(func() {
			slog.Warn("desktop: capture consumer too slow, dropping samples")
		})
	}
}

// stopped is called by miniaudio whenever the device stops, including after
// our own Stop. Anything else means the device went away.
func (s *captureStream) stopped() {
	if s.closing.Load() {
		return
	}
	s.finish(fmt.Errorf("desktop: %w: device stopped unexpectedly", audio.ErrDeviceLost))
}

func (s *captureStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.samples)
}

func (s *captureStream) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.dev != nil {
		err = s.dev.Stop()
		s.dev.Uninit()
	}
	s.finish(nil)
	if err != nil {
		return fmt.Errorf("desktop: stop capture device: %w", err)
	}
	return nil
}
