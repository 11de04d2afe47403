package playback

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/studiogen/livestudio/pkg/audio"
)

// voice is one buffer placed on the render timeline, measured in sample
// frames.
type voice struct {
	id    Handle
	start int64
	pcm   []byte
	done  func()
}

func (v *voice) frames(frameSize int) int64 {
	return int64(len(v.pcm) / frameSize)
}

// StreamOutput renders scheduled buffers into a continuous PCM16 stream and
// implements [Clock], [Output] and [io.Reader]. A device backend pulls the
// stream with Read; the number of sample frames handed out so far is the
// output clock. Gaps between buffers render as silence and overlapping
// buffers are mixed.
//
// Buffers in a different format are converted to the output format on Play.
type StreamOutput struct {
	format    audio.Format
	frameSize int
	conv      *audio.FormatConverter

	mu     sync.Mutex
	pos    int64 // sample frames rendered
	voices []*voice
	closed bool
}

var (
	_ Clock     = (*StreamOutput)(nil)
	_ Output    = (*StreamOutput)(nil)
	_ io.Reader = (*StreamOutput)(nil)
)

// NewStreamOutput returns a StreamOutput rendering in format f.
func NewStreamOutput(f audio.Format) *StreamOutput {
	return &StreamOutput{
		format:    f,
		frameSize: f.Channels * 2,
		conv:      &audio.FormatConverter{Target: f},
	}
}

// Format returns the render format.
func (o *StreamOutput) Format() audio.Format {
	return o.format
}

// Now implements [Clock]. It returns the play time of the samples rendered so
// far.
func (o *StreamOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.framesToDuration(o.pos)
}

// Play implements [Output]. A start position that has already been rendered
// is moved to the current render position. Buffers that convert to less than
// one output frame are declined, as is everything after Close.
func (o *StreamOutput) Play(id Handle, buf audio.Buffer, at time.Duration, done func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	buf = o.conv.Convert(buf)
	if len(buf.PCM) < o.frameSize {
		return false
	}
	v := &voice{
		id:    id,
		start: max(o.durationToFrames(at), o.pos),
		pcm:   buf.PCM[:len(buf.PCM)-len(buf.PCM)%o.frameSize],
		done:  done,
	}
	i := sort.Search(len(o.voices), func(i int) bool { return o.voices[i].start > v.start })
	o.voices = append(o.voices, nil)
	copy(o.voices[i+1:], o.voices[i:])
	o.voices[i] = v
	return true
}

// Stop implements [Output].
func (o *StreamOutput) Stop(id Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, v := range o.voices {
		if v.id == id {
			o.voices = append(o.voices[:i], o.voices[i+1:]...)
			return
		}
	}
}

// Active returns the number of voices not yet fully rendered.
func (o *StreamOutput) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.voices)
}

// Read implements [io.Reader]. It renders the next whole sample frames that
// fit into p and advances the clock. After Close it returns [io.EOF].
func (o *StreamOutput) Read(p []byte) (int, error) {
	n := len(p) - len(p)%o.frameSize
	if n == 0 {
		return 0, nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, io.EOF
	}
	finished := o.renderLocked(p[:n])
	o.mu.Unlock()

	for _, fn := range finished {
		fn()
	}
	return n, nil
}

// Close makes subsequent reads return io.EOF and drops every voice without
// completing it.
func (o *StreamOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.voices = nil
	return nil
}

// renderLocked mixes all voices overlapping [pos, pos+len(dst)) into dst,
// advances pos and returns the completion callbacks of voices that ended.
func (o *StreamOutput) renderLocked(dst []byte) []func() {
	clear(dst)
	frames := int64(len(dst) / o.frameSize)
	winStart, winEnd := o.pos, o.pos+frames
	samplesPerFrame := o.frameSize / 2

	var finished []func()
	live := o.voices[:0]
	for _, v := range o.voices {
		vEnd := v.start + v.frames(o.frameSize)
		if v.start < winEnd {
			from := max(v.start, winStart)
			to := min(vEnd, winEnd)
			for f := from; f < to; f++ {
				srcOff := int(f-v.start) * o.frameSize
				dstOff := int(f-winStart) * o.frameSize
				for c := 0; c < samplesPerFrame; c++ {
					mixSample(dst[dstOff+c*2:], v.pcm[srcOff+c*2:])
				}
			}
		}
		if vEnd <= winEnd {
			if v.done != nil {
				finished = append(finished, v.done)
			}
			continue
		}
		live = append(live, v)
	}
	clear(o.voices[len(live):])
	o.voices = live
	o.pos = winEnd
	return finished
}

func (o *StreamOutput) framesToDuration(frames int64) time.Duration {
	if o.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(o.format.SampleRate))
}

// durationToFrames rounds to the nearest frame so that positions derived from
// truncated buffer durations land on the frame they came from.
func (o *StreamOutput) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(o.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// mixSample adds the little-endian int16 at src into dst with clamping.
func mixSample(dst, src []byte) {
	a := int32(int16(dst[0]) | int16(dst[1])<<8)
	b := int32(int16(src[0]) | int16(src[1])<<8)
	sum := a + b
	if sum > 32767 {
		sum = 32767
	} else if sum < -32768 {
		sum = -32768
	}
	dst[0] = byte(sum)
	dst[1] = byte(sum >> 8)
}
