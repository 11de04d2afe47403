// Package live defines the Provider interface for real-time conversational
// engines that take a continuous microphone stream and answer with streamed
// audio.
//
// A [Session] multiplexes two directions over one connection: outbound audio
// frames, sent fire-and-forget through a bounded queue, and inbound [Event]
// values delivered in the order the engine produced them. Event order is
// authoritative; consumers must not reorder events.
//
// Adapters live in sub-packages (gemini, openai, genai). They share the queue
// and event bookkeeping implemented by [Stream].
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/studiogen/livestudio/pkg/audio"
)

// ErrConnectionFailed is wrapped by every error returned from [Provider.Open].
var ErrConnectionFailed = errors.New("live: connection failed")

// Role identifies the speaker of a transcript delta.
type Role string

const (
	// RoleUser is the person at the microphone.
	RoleUser Role = "user"

	// RoleAssistant is the remote engine.
	RoleAssistant Role = "assistant"
)

// Modality is a response modality requested from the engine.
type Modality string

const (
	// ModalityAudio requests spoken responses.
	ModalityAudio Modality = "AUDIO"

	// ModalityText requests text responses.
	ModalityText Modality = "TEXT"
)

// DefaultSendQueue is the outbound frame queue depth used when
// [Config.SendQueue] is zero.
const DefaultSendQueue = 64

// Config is the opaque session configuration passed through to the engine.
type Config struct {
	// ResponseModalities lists the requested response modalities. Empty means
	// audio only.
	ResponseModalities []Modality

	// SystemInstruction is the system-level directive for the engine.
	SystemInstruction string

	// Voice selects a prebuilt voice. Empty uses the engine default.
	Voice string

	// InputTranscription asks the engine to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the engine to transcribe its own speech.
	OutputTranscription bool

	// SendQueue is the outbound frame queue depth. Zero uses
	// [DefaultSendQueue].
	SendQueue int
}

// Modalities returns ResponseModalities, defaulting to audio.
func (c Config) Modalities() []Modality {
	if len(c.ResponseModalities) == 0 {
		return []Modality{ModalityAudio}
	}
	return c.ResponseModalities
}

// QueueDepth returns SendQueue, defaulting to [DefaultSendQueue].
func (c Config) QueueDepth() int {
	if c.SendQueue <= 0 {
		return DefaultSendQueue
	}
	return c.SendQueue
}

// ── Events ────────────────────────────────────────────────────────────────────

// Event is an inbound message from the engine. The concrete type is one of
// [AudioChunk], [TranscriptDelta], [Interrupted], [Error] or [Closed].
type Event interface {
	isEvent()
}

// AudioChunk carries PCM16 audio from the engine, base64-encoded or raw.
type AudioChunk struct {
	// Data is the base64 payload from JSON transports.
	Data string

	// PCM is the raw payload from transports that deliver bytes. When set,
	// Data is empty and no base64 decoding takes place.
	PCM []byte

	// MIMEType describes the payload, e.g. "audio/pcm;rate=24000".
	MIMEType string
}

// TranscriptDelta is an incremental piece of transcription.
type TranscriptDelta struct {
	Role Role
	Text string
}

// Interrupted signals that the engine detected barge-in and abandoned its
// current response. Queued playback must be discarded.
type Interrupted struct{}

// Error reports a remote or stream failure. It is always followed by
// [Closed].
type Error struct {
	Reason string
}

// Closed is the last event of a session that ended remotely. The Events
// channel is closed right after it.
type Closed struct {
	Reason string
}

func (AudioChunk) isEvent()      {}
func (TranscriptDelta) isEvent() {}
func (Interrupted) isEvent()     {}
func (Error) isEvent()           {}
func (Closed) isEvent()          {}

// ── Interfaces ────────────────────────────────────────────────────────────────

// SendStats counts outbound frames.
type SendStats struct {
	// Sent is the number of frames written to the connection.
	Sent uint64

	// Dropped is the number of frames discarded because the queue was full
	// or the session had already closed.
	Dropped uint64
}

// Session is an open connection to a conversational engine.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// Send queues one audio frame for delivery. It never blocks: when the
	// outbound queue is full or the session is closed the frame is dropped and
	// counted.
	Send(frame audio.Frame)

	// Events returns the inbound event channel. When the engine ends the
	// session the last events are an optional [Error] followed by [Closed];
	// the channel is then closed. After a local Close the channel is closed
	// without a Closed event.
	Events() <-chan Event

	// Stats returns a snapshot of the outbound counters.
	Stats() SendStats

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any conversational engine backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Open connects to the engine and completes its session handshake. When
	// Open returns without error the session is open and ready for Send.
	// Errors wrap [ErrConnectionFailed].
	Open(ctx context.Context, cfg Config) (Session, error)

	// Name returns the registry name of the provider, e.g. "gemini-live".
	Name() string
}
