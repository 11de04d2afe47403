package desktop

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/studiogen/livestudio/pkg/audio"
)

var _ audio.Speaker = (*Speaker)(nil)

// DefaultSpeakerBuffer is the oto buffer length. Smaller is lower latency but
// risks glitches.
const DefaultSpeakerBuffer = 100 * time.Millisecond

// Speaker plays PCM16 streams through the default output device using oto.
// oto allows a single context per process, so create one Speaker at startup
// and reuse it across sessions.
type Speaker struct {
	format audio.Format
	buffer time.Duration

	once sync.Once
	otx  *oto.Context
	err  error
}

// NewSpeaker returns a Speaker consuming format f. A non-positive buffer uses
// [DefaultSpeakerBuffer].
func NewSpeaker(f audio.Format, buffer time.Duration) *Speaker {
	if buffer <= 0 {
		buffer = DefaultSpeakerBuffer
	}
	return &Speaker{format: f, buffer: buffer}
}

// Format implements [audio.Speaker].
func (s *Speaker) Format() audio.Format {
	return s.format
}

// Play implements [audio.Speaker]. The oto context is created on first use.
func (s *Speaker) Play(src io.Reader) (io.Closer, error) {
	s.once.Do(func() {
		otx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   s.format.SampleRate,
			ChannelCount: s.format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   s.buffer,
		})
		if err != nil {
			s.err = fmt.Errorf("desktop: init speaker: %w", err)
			return
		}
		<-ready
		s.otx = otx
	})
	if s.err != nil {
		return nil, s.err
	}

	p := s.otx.NewPlayer(src)
	p.Play()
	return &speakerPlayer{p: p}, nil
}

type speakerPlayer struct {
	p    *oto.Player
	once sync.Once
	err  error
}

// Close pauses immediately so buffered audio does not keep playing, then
// releases the player.
func (sp *speakerPlayer) Close() error {
	sp.once.Do(func() {
		sp.p.Pause()
		if err := sp.p.Close(); err != nil {
			sp.err = fmt.Errorf("desktop: close player: %w", err)
		}
	})
	return sp.err
}
