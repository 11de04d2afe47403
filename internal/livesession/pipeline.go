package livesession

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/audio/playback"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

// DefaultDecodeConcurrency is the number of audio chunks decoded in parallel
// when no other value is configured.
const DefaultDecodeConcurrency = 4

// decodeFunc turns one inbound chunk into a playable buffer.
type decodeFunc func(live.AudioChunk) (audio.Buffer, error)

// newDecoder returns a decodeFunc producing buffers in format out. Chunks
// whose MIME type carries no rate are assumed to be in fallback.
func newDecoder(out, fallback audio.Format) decodeFunc {
	conv := &audio.FormatConverter{Target: out}
	return func(c live.AudioChunk) (audio.Buffer, error) {
		f, err := audio.ParseMIMEType(c.MIMEType, fallback)
		if err != nil {
			return audio.Buffer{}, err
		}
		pcm := c.PCM
		if pcm == nil {
			if pcm, err = audio.DecodeBase64PCM(c.Data); err != nil {
				return audio.Buffer{}, err
			}
		}
		buf := audio.Buffer{PCM: pcm, Format: f}
		if !buf.Playable() {
			return audio.Buffer{}, fmt.Errorf("%d bytes is not a whole number of %s frames", len(pcm), f)
		}
		return conv.Convert(buf), nil
	}
}

// decodeJob is one chunk travelling through the pipeline. ready is closed
// once buf or err is set.
type decodeJob struct {
	gen   uint64
	chunk live.AudioChunk
	buf   audio.Buffer
	err   error
	took  time.Duration
	ready chan struct{}
}

// pipeline decodes audio chunks concurrently and hands them to the scheduler
// strictly in submission order.
//
// Chunks are tagged with the generation current at submission. interrupt
// bumps the generation and flushes the scheduler under the same lock that
// guards scheduling, so a chunk submitted before an interrupt can never be
// scheduled after it.
type pipeline struct {
	sched     *playback.Scheduler
	decode    decodeFunc
	onDecoded func(time.Duration)
	onError   func(error)

	mu      sync.Mutex
	gen     uint64
	pending []*decodeJob
	closed  bool

	wake    chan struct{}
	ordered chan *decodeJob
	quit    chan struct{}
	workers errgroup.Group
	loops   sync.WaitGroup
}

func newPipeline(sched *playback.Scheduler, decode decodeFunc, concurrency int) *pipeline {
	if concurrency < 1 {
		concurrency = DefaultDecodeConcurrency
	}
	p := &pipeline{
		sched:   sched,
		decode:  decode,
		wake:    make(chan struct{}, 1),
		ordered: make(chan *decodeJob, concurrency*2),
		quit:    make(chan struct{}),
	}
	p.workers.SetLimit(concurrency)
	p.loops.Add(2)
	go p.dispatch()
	go p.sequence()
	return p
}

// submit queues chunk for decoding. It never blocks.
func (p *pipeline) submit(chunk live.AudioChunk) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, &decodeJob{
		gen:   p.gen,
		chunk: chunk,
		ready: make(chan struct{}),
	})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// interrupt discards every chunk not yet scheduled and stops all scheduled
// playback. It returns the number of playbacks stopped.
func (p *pipeline) interrupt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.pending = nil
	return p.sched.FlushAll()
}

// close stops the pipeline and waits for its goroutines. Chunks in flight are
// discarded. The scheduler is left untouched.
func (p *pipeline) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.gen++
	p.pending = nil
	p.mu.Unlock()

	close(p.quit)
	p.loops.Wait()
	_ = p.workers.Wait()
}

// dispatch starts a decode worker for each pending job and forwards the job
// to sequence in submission order. Launching blocks while the worker limit
// is reached.
func (p *pipeline) dispatch() {
	defer p.loops.Done()
	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
		}

		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		p.mu.Unlock()

		for _, j := range batch {
			if p.stale(j) {
				continue
			}
			p.workers.Go(func() error {
				start := time.Now()
				j.buf, j.err = p.decode(j.chunk)
				j.took = time.Since(start)
				close(j.ready)
				return nil
			})
			select {
			case p.ordered <- j:
			case <-p.quit:
				return
			}
		}
	}
}

// sequence waits for each job in order and schedules it unless an interrupt
// made it stale.
func (p *pipeline) sequence() {
	defer p.loops.Done()
	for {
		var j *decodeJob
		select {
		case <-p.quit:
			return
		case j = <-p.ordered:
		}
		select {
		case <-p.quit:
			return
		case <-j.ready:
		}

		if j.err != nil {
			if p.onError != nil {
				p.onError(fmt.Errorf("decode chunk %q: %w", j.chunk.MIMEType, j.err))
			}
			continue
		}
		if p.onDecoded != nil {
			p.onDecoded(j.took)
		}

		p.mu.Lock()
		if j.gen == p.gen && !p.closed {
			p.sched.Enqueue(j.buf)
		}
		p.mu.Unlock()
	}
}

func (p *pipeline) stale(j *decodeJob) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return j.gen != p.gen
}
