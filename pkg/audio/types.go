package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WireFormat is the format the capture encoder produces for the remote
// engine: 16 kHz mono signed 16-bit little-endian PCM.
var WireFormat = Format{SampleRate: 16000, Channels: 1}

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM16 byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// DurationOf returns the play time of n bytes of PCM16 data in format f.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the PCM16 byte length of d in format f, rounded down to a
// whole sample frame.
func (f Format) BytesFor(d time.Duration) int {
	frameSize := f.Channels * 2
	if frameSize <= 0 {
		return 0
	}
	frames := int(int64(d) * int64(f.SampleRate) / int64(time.Second))
	return frames * frameSize
}

// Descriptor returns the compact wire descriptor, e.g. "pcm16@16kHz/mono".
func (f Format) Descriptor() string {
	rate := fmt.Sprintf("%dHz", f.SampleRate)
	if f.SampleRate%1000 == 0 {
		rate = fmt.Sprintf("%dkHz", f.SampleRate/1000)
	}
	return "pcm16@" + rate + "/" + channelName(f.Channels)
}

// MIMEType returns the MIME-style descriptor used by realtime speech APIs,
// e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	if f.Channels > 1 {
		return fmt.Sprintf("audio/pcm;rate=%d;channels=%d", f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// ParseMIMEType extracts the sample rate and channel count from a PCM MIME
// type like "audio/pcm;rate=24000". Parameters that are absent keep the
// values from fallback. Non-PCM MIME types are rejected.
func ParseMIMEType(mime string, fallback Format) (Format, error) {
	f := fallback
	parts := strings.Split(mime, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	switch base {
	case "audio/pcm", "audio/l16", "audio/raw", "":
	default:
		return Format{}, fmt.Errorf("audio: unsupported mime type %q", mime)
	}
	for _, p := range parts[1:] {
		key, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n <= 0 {
			return Format{}, fmt.Errorf("audio: bad %s parameter in mime type %q", key, mime)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "rate":
			f.SampleRate = n
		case "channels":
			f.Channels = n
		}
	}
	return f, nil
}

// Frame is one fixed-duration chunk of captured audio on its way to the
// remote engine. Frames are immutable once produced; ownership passes from
// the capture encoder to the transport on handoff.
type Frame struct {
	// Seq increases by one for every frame produced within a session,
	// starting at 1.
	Seq uint64

	// PCM is little-endian int16 sample data in Format.
	PCM []byte

	// Data is the base64 encoding of PCM, ready for JSON transports.
	Data string

	// Format is the sample rate and channel count of PCM.
	Format Format

	// Timestamp is the capture offset of the first sample from stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format.DurationOf(len(f.PCM))
}

// Buffer is a decoded PCM16 buffer ready for playback.
type Buffer struct {
	PCM    []byte
	Format Format
}

// Duration returns the play time of the buffer.
func (b Buffer) Duration() time.Duration {
	return b.Format.DurationOf(len(b.PCM))
}

// Playable reports whether the buffer holds at least one sample frame and
// no trailing partial frame.
func (b Buffer) Playable() bool {
	frameSize := b.Format.Channels * 2
	if frameSize <= 0 || b.Format.SampleRate <= 0 {
		return false
	}
	return len(b.PCM) >= frameSize && len(b.PCM)%frameSize == 0
}

func channelName(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	default:
		return fmt.Sprintf("%dch", channels)
	}
}
