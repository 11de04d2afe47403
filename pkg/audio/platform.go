// Package audio defines the interfaces and types for local audio devices and
// PCM stream handling within livestudio.
//
// The primary abstractions are:
//
//   - [Microphone]: asks for capture permission and returns a [CaptureStream].
//   - [CaptureStream]: an open capture device delivering float sample blocks
//     until it is closed or the device is lost.
//   - [Speaker]: an output device that pulls a rendered PCM16 stream.
//
// Implementations of these interfaces are provided by backend packages
// (audio/device/desktop, audio/device/null). The stream
// a Speaker pulls is normally produced by the playback package, which renders
// scheduled buffers and derives its output clock from what has been pulled.
//
// This package lives under pkg/ because external code (third-party device
// backends) is expected to implement [Microphone], [CaptureStream] and
// [Speaker].
package audio

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrPermissionDenied is returned by [Microphone.Open] when the user or
	// the operating system refuses access to the capture device.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceLost is reported by [CaptureStream.Err] when the capture device
	// disappears or fails while the stream is open.
	ErrDeviceLost = errors.New("audio: capture device lost")
)

// CaptureStream is an open microphone.
//
// Implementations must be safe for concurrent use. Close may be called more
// than once; subsequent calls are no-ops.
type CaptureStream interface {
	// Format reports the native sample rate and channel count of the blocks
	// delivered on Samples. Samples are interleaved when Channels > 1.
	Format() Format

	// Samples returns the channel of float sample blocks in [-1, 1]. The
	// channel is closed when the stream is closed or the device fails. Block
	// sizes are device-dependent and may vary between deliveries.
	Samples() <-chan []float32

	// Err returns the reason Samples was closed. It is nil after a normal
	// Close and wraps [ErrDeviceLost] when the device failed.
	Err() error

	// Close stops capture and releases the device.
	Close() error
}

// Microphone is the entry point for a capture backend.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open requests capture permission and starts the device. The supplied
	// ctx governs the permission request and device start only; once open,
	// the stream stays alive until [CaptureStream.Close] is called.
	//
	// Returns an error wrapping [ErrPermissionDenied] when access is refused.
	Open(ctx context.Context) (CaptureStream, error)
}

// Speaker is an output device.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	// Format returns the PCM16 format the device consumes.
	Format() Format

	// Play starts pulling little-endian PCM16 in Format from src at the
	// device's pace until the returned closer is closed. Closing stops the
	// pull and releases the player; it does not close src.
	Play(src io.Reader) (io.Closer, error)
}
