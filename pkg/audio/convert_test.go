package audio_test

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/studiogen/livestudio/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	stereo := audio.MonoToStereo(mono)
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	if got[0] != want[0] {
		t.Errorf("got %d, want %d", got[0], want[0])
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	// First output sample should equal first source sample.
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	// Last output sample should be close to last source sample.
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleStereo16(t *testing.T) {
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out := audio.ResampleStereo16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: 24000, Channels: 1},
	}
	buf := audio.Buffer{
		PCM:    samplesToBytes([]int16{100, 200}),
		Format: audio.Format{SampleRate: 24000, Channels: 1},
	}
	result := conv.Convert(buf)
	// Same slice: pointer equality check.
	if &result.PCM[0] != &buf.PCM[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: 48000, Channels: 2},
	}
	buf := audio.Buffer{
		PCM:    samplesToBytes([]int16{100, 200, 300}),
		Format: audio.Format{SampleRate: 48000, Channels: 1},
	}
	result := conv.Convert(buf)
	got := bytesToSamples(result.PCM)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
	if result.Format != conv.Target {
		t.Errorf("unexpected format: %s", result.Format)
	}
}

func TestFormatConverter_Resample(t *testing.T) {
	// 16 kHz engine audio played on a 24 kHz output.
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: 24000, Channels: 1},
	}
	buf := audio.Buffer{
		PCM:    make([]byte, 3200), // 100ms at 16kHz
		Format: audio.Format{SampleRate: 16000, Channels: 1},
	}
	result := conv.Convert(buf)
	if result.Format != conv.Target {
		t.Errorf("format = %s, want %s", result.Format, conv.Target)
	}
	if got := result.Duration(); got != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", got)
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: 24000, Channels: 1},
	}
	for _, src := range []audio.Format{
		{SampleRate: 16000, Channels: 1},
		{SampleRate: 24000, Channels: 1},
	} {
		result := conv.Convert(audio.Buffer{PCM: []byte{1, 2, 3}, Format: src})
		if len(result.PCM) != 0 {
			t.Errorf("src %s: expected empty data for odd byte count, got %d bytes", src, len(result.PCM))
		}
		// Dropped buffer should carry target format, not source format.
		if result.Format != conv.Target {
			t.Errorf("src %s: expected target format, got %s", src, result.Format)
		}
	}
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	// I2: odd-length input should not produce trailing zero bytes.
	// 5 bytes = 2 complete samples + 1 trailing byte.
	pcm := []byte{0x64, 0x00, 0xC8, 0x00, 0xFF} // 100, 200, then junk byte
	stereo := audio.MonoToStereo(pcm)
	// Should only process 2 complete samples → 4 stereo samples → 8 bytes.
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes for 2 complete mono samples, got %d", len(stereo))
	}
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	// Zero srcRate should return input unchanged.
	out := audio.ResampleMono16(pcm, 0, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	// Zero dstRate should return input unchanged.
	out = audio.ResampleMono16(pcm, 48000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	// Negative rates should return input unchanged.
	out = audio.ResampleMono16(pcm, -1, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}

func TestResampleStereo16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out := audio.ResampleStereo16(pcm, 0, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	out = audio.ResampleStereo16(pcm, 48000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
}

func TestDecodeBase64PCM(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{1, -1, 32767})
	got, err := audio.DecodeBase64PCM(base64.StdEncoding.EncodeToString(pcm))
	if err != nil {
		t.Fatalf("DecodeBase64PCM: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("decoded bytes differ")
	}

	if _, err := audio.DecodeBase64PCM("!!not base64"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := audio.DecodeBase64PCM(base64.StdEncoding.EncodeToString([]byte{1, 2, 3})); err == nil {
		t.Error("expected error for odd byte count")
	}
}

func TestQuantizeFloat32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full scale positive", 1, 32767},
		{"full scale negative", -1, -32767},
		{"half", 0.5, 16383},
		{"clamp high", 2.5, 32767},
		{"clamp low", -7, -32767},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.QuantizeFloat32([]float32{tt.in}))
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("QuantizeFloat32(%v) = %v, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestDownmixFloat32(t *testing.T) {
	t.Parallel()

	mono := []float32{0.1, 0.2}
	if got := audio.DownmixFloat32(mono, 1); &got[0] != &mono[0] {
		t.Error("mono input should be returned unchanged")
	}

	got := audio.DownmixFloat32([]float32{0.2, 0.4, -1, 1, 0.5}, 2)
	want := []float32{0.3, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResampler_BlockInvariant(t *testing.T) {
	t.Parallel()

	// A 48 kHz ramp downsampled to 16 kHz must give the same samples
	// whether processed in one block or in uneven pieces.
	src := make([]float32, 4800)
	for i := range src {
		src[i] = float32(i) / float32(len(src))
	}

	whole := audio.NewResampler(48000, 16000).Process(src)

	r := audio.NewResampler(48000, 16000)
	var pieces []float32
	for off := 0; off < len(src); {
		n := min(137, len(src)-off)
		pieces = append(pieces, r.Process(src[off:off+n])...)
		off += n
	}

	if len(whole) != len(pieces) {
		t.Fatalf("whole len %d, pieces len %d", len(whole), len(pieces))
	}
	if len(whole) < 1599 || len(whole) > 1600 {
		t.Errorf("output len = %d, want ~1600", len(whole))
	}
	for i := range whole {
		if math.Abs(float64(whole[i]-pieces[i])) > 1e-5 {
			t.Fatalf("sample %d: whole %v, pieces %v", i, whole[i], pieces[i])
		}
	}
}

func TestResampler_SameRate(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2, 0.3}
	out := audio.NewResampler(16000, 16000).Process(in)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	if got := audio.WireFormat.Descriptor(); got != "pcm16@16kHz/mono" {
		t.Errorf("Descriptor = %q", got)
	}
	if got := audio.WireFormat.MIMEType(); got != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", got)
	}
	if got := audio.WireFormat.DurationOf(3200); got != 100*time.Millisecond {
		t.Errorf("DurationOf(3200) = %v", got)
	}
	if got := audio.WireFormat.BytesFor(20 * time.Millisecond); got != 640 {
		t.Errorf("BytesFor(20ms) = %d", got)
	}
	if got := (audio.Format{SampleRate: 24000, Channels: 1}).String(); got != "24000Hz mono" {
		t.Errorf("String = %q", got)
	}
}

func TestParseMIMEType(t *testing.T) {
	t.Parallel()

	fallback := audio.Format{SampleRate: 24000, Channels: 1}
	tests := []struct {
		mime    string
		want    audio.Format
		wantErr bool
	}{
		{"audio/pcm;rate=24000", audio.Format{SampleRate: 24000, Channels: 1}, false},
		{"audio/pcm;rate=16000", audio.Format{SampleRate: 16000, Channels: 1}, false},
		{"audio/L16; rate=8000; channels=2", audio.Format{SampleRate: 8000, Channels: 2}, false},
		{"audio/pcm", fallback, false},
		{"", fallback, false},
		{"audio/mpeg", audio.Format{}, true},
		{"audio/pcm;rate=abc", audio.Format{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			t.Parallel()
			got, err := audio.ParseMIMEType(tt.mime, fallback)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
