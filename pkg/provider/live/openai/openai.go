// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API consumes and produces 24 kHz PCM16, so outbound 16 kHz
// frames are resampled before they are appended to the input buffer. Server
// voice activity detection doubles as the barge-in signal.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

// Compile-time assertion that Provider satisfies the live interface.
var _ live.Provider = (*Provider)(nil)

const (
	// Name is the registry name of this provider.
	Name = "openai-realtime"

	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// transcriptionModel transcribes the user's speech when requested.
	transcriptionModel = "whisper-1"

	readLimit = 16 << 20
)

// realtimeFormat is the PCM16 format of both directions.
var realtimeFormat = audio.Format{SampleRate: 24000, Channels: 1}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return Name }

// Open dials the Realtime endpoint, sends session.update and waits for
// session.updated. Every failure wraps [live.ErrConnectionFailed].
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, live.ConnectionError(Name, "dial", err)
	}
	conn.SetReadLimit(readLimit)

	if err := writeJSON(ctx, conn, buildSessionUpdate(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, live.ConnectionError(Name, "session update", err)
	}
	if err := awaitSessionUpdated(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, live.ConnectionError(Name, "session update", err)
	}

	s := &session{conn: conn}
	s.stream = live.NewStream(Name, cfg.QueueDepth(), s.sendFrame, s.closeConn)
	s.stream.Start(s.receive)

	slog.Debug("openai: session open", "model", p.model)
	return s.stream, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string               `json:"modalities"`
	Voice                   string                 `json:"voice,omitempty"`
	Instructions            string                 `json:"instructions,omitempty"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscribe  `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionSettings `json:"turn_detection,omitempty"`
}

type inputAudioTranscribe struct {
	Model string `json:"model"`
}

type turnDetectionSettings struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func buildSessionUpdate(cfg live.Config) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        modalities(cfg.Modalities()),
		Voice:             cfg.Voice,
		Instructions:      cfg.SystemInstruction,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetectionSettings{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputAudioTranscribe{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// modalities maps live modalities to Realtime names. The Realtime API cannot
// produce audio without text, so audio always implies text.
func modalities(in []live.Modality) []string {
	seen := map[string]bool{}
	var out []string
	add := func(m string) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for _, m := range in {
		switch m {
		case live.ModalityAudio:
			add("audio")
			add("text")
		case live.ModalityText:
			add("text")
		}
	}
	return out
}

func awaitSessionUpdated(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return errors.New(errorText(evt.Error))
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func errorText(d *serverErrorDetail) string {
	if d == nil {
		return "unknown error"
	}
	parts := make([]string, 0, 2)
	if d.Code != "" {
		parts = append(parts, d.Code)
	}
	if d.Message != "" {
		parts = append(parts, d.Message)
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, ": ")
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	stream *live.Stream
}

// sendFrame appends one frame to the input audio buffer, resampled to the
// Realtime rate.
func (s *session) sendFrame(ctx context.Context, f audio.Frame) error {
	data := f.Data
	if f.Format != realtimeFormat {
		pcm := audio.ResampleMono16(f.PCM, f.Format.SampleRate, realtimeFormat.SampleRate)
		data = base64.StdEncoding.EncodeToString(pcm)
	}
	return writeJSON(ctx, s.conn, appendAudioMessage{Type: "input_audio_buffer.append", Audio: data})
}

func (s *session) closeConn() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// receive reads events from the WebSocket and maps them to live events until
// the connection ends.
func (s *session) receive(ctx context.Context, emit func(live.Event) bool) error {
	mime := realtimeFormat.MIMEType()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		var ev live.Event
		switch evt.Type {
		case "response.audio.delta":
			if evt.Delta != "" {
				ev = live.AudioChunk{Data: evt.Delta, MIMEType: mime}
			}
		case "response.audio_transcript.delta":
			if evt.Delta != "" {
				ev = live.TranscriptDelta{Role: live.RoleAssistant, Text: evt.Delta}
			}
		case "conversation.item.input_audio_transcription.completed":
			if evt.Transcript != "" {
				ev = live.TranscriptDelta{Role: live.RoleUser, Text: evt.Transcript}
			}
		case "input_audio_buffer.speech_started":
			ev = live.Interrupted{}
		case "error":
			return errors.New(errorText(evt.Error))
		}
		if ev != nil && !emit(ev) {
			return nil
		}
	}
}
