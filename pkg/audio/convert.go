package audio

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts decoded playback buffers to a target format. It
// logs a warning on the first format mismatch and validates PCM data
// alignment. Convert holds no per-call state and may be called from several
// goroutines; each warning is logged once per converter.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts buf to the target format. If the source format already
// matches the target, buf is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
func (c *FormatConverter) Convert(buf Buffer) Buffer {
	// Validate: odd byte count for int16 PCM.
	if len(buf.PCM)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, dropping buffer",
				"bytes", len(buf.PCM),
				"format", buf.Format.String(),
			)
		})
		return Buffer{Format: c.Target}
	}

	// Fast path: source matches target.
	if buf.Format == c.Target {
		return buf
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", buf.Format.String(),
			"to", c.Target.String(),
		)
	})

	pcm := buf.PCM
	channels := buf.Format.Channels

	// Step 1: Resample first (avoids resampling stereo when target is mono).
	if buf.Format.SampleRate != c.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, buf.Format.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, buf.Format.SampleRate, c.Target.SampleRate)
		}
	}

	// Step 2: Channel conversion.
	if channels != c.Target.Channels {
		if channels == 1 && c.Target.Channels == 2 {
			pcm = MonoToStereo(pcm)
		} else if channels == 2 && c.Target.Channels == 1 {
			pcm = StereoToMono(pcm)
		}
	}

	return Buffer{PCM: pcm, Format: c.Target}
}

// DecodeBase64PCM decodes a base64 PCM16 payload. It rejects payloads whose
// decoded length is not a whole number of samples.
func DecodeBase64PCM(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: odd PCM16 byte count %d", len(pcm))
	}
	return pcm, nil
}

// QuantizeFloat32 converts float samples in [-1, 1] to little-endian int16
// PCM. Out-of-range samples are clamped.
func QuantizeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DownmixFloat32 averages interleaved multi-channel float samples to mono.
// Mono input is returned unchanged.
func DownmixFloat32(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resampler converts a continuous mono float stream between sample rates
// using linear interpolation. Unlike [ResampleMono16] it carries the
// fractional read position and the last input sample across calls, so a
// stream processed in arbitrary block sizes neither drifts nor clicks at
// block boundaries. Not safe for concurrent use.
type Resampler struct {
	srcRate int
	dstRate int
	pos     float64
	prev    float32
	primed  bool
}

// NewResampler returns a Resampler from srcRate to dstRate.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{srcRate: srcRate, dstRate: dstRate}
}

// Process resamples the next block of the stream.
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.srcRate == r.dstRate || r.srcRate <= 0 || r.dstRate <= 0 {
		return in
	}

	src := in
	if r.primed {
		src = make([]float32, 0, len(in)+1)
		src = append(src, r.prev)
		src = append(src, in...)
	}
	r.primed = true

	step := float64(r.srcRate) / float64(r.dstRate)
	out := make([]float32, 0, int(float64(len(src))/step)+1)
	for r.pos+1 < float64(len(src)) {
		idx := int(r.pos)
		frac := float32(r.pos - float64(idx))
		out = append(out, src[idx]*(1-frac)+src[idx+1]*frac)
		r.pos += step
	}

	// The last sample becomes index 0 of the next block.
	r.pos -= float64(len(src) - 1)
	r.prev = src[len(src)-1]
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		// Left channel
		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		// Right channel
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
