// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks; Open returns
// once the server has acknowledged the setup message.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

// Compile-time assertion that Provider satisfies the live interface.
var _ live.Provider = (*Provider)(nil)

const (
	// Name is the registry name of this provider.
	Name = "gemini-live"

	defaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound message; audio turns can be large.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Open dials the Live endpoint, sends the setup message and waits for
// setupComplete. Every failure wraps [live.ErrConnectionFailed].
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, live.ConnectionError(Name, "dial", err)
	}
	conn.SetReadLimit(readLimit)

	if err := writeJSON(ctx, conn, buildSetup(p.model, cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, live.ConnectionError(Name, "setup", err)
	}
	if err := awaitSetupComplete(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, live.ConnectionError(Name, "setup", err)
	}

	s := &session{conn: conn}
	s.stream = live.NewStream(Name, cfg.QueueDepth(), s.sendFrame, s.closeConn)
	s.stream.Start(s.receive)

	slog.Debug("gemini: session open", "model", p.model)
	return s.stream, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func buildSetup(model string, cfg live.Config) setupMessage {
	modalities := make([]string, 0, len(cfg.Modalities()))
	for _, m := range cfg.Modalities() {
		modalities = append(modalities, string(m))
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// awaitSetupComplete reads until the server acknowledges setup or reports an
// error.
func awaitSetupComplete(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return errors.New(errorText(msg.Error))
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func errorText(ge *geminiError) string {
	if ge.Message != "" {
		return ge.Message
	}
	if ge.Status != "" {
		return ge.Status
	}
	return "unknown error"
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	stream *live.Stream
}

// sendFrame delivers one 16 kHz PCM frame as a realtimeInput media chunk.
func (s *session) sendFrame(ctx context.Context, f audio.Frame) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: f.Format.MIMEType(), Data: f.Data},
			},
		},
	}
	return writeJSON(ctx, s.conn, msg)
}

func (s *session) closeConn() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// receive reads messages from the WebSocket and maps them to live events until
// the connection ends. A keepalive goroutine pings while it runs.
func (s *session) receive(ctx context.Context, emit func(live.Event) bool) error {
	kaCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go s.keepaliveLoop(kaCtx)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.Error != nil {
			return errors.New(errorText(msg.Error))
		}
		if msg.GoAway != nil {
			slog.Warn("gemini: server going away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil {
			if !dispatchServerContent(msg.ServerContent, emit) {
				return nil
			}
		}
	}
}

// dispatchServerContent emits the events contained in sc in protocol order:
// model audio, input transcription, output transcription, interruption.
// It returns false when the session was closed locally.
func dispatchServerContent(sc *serverContent, emit func(live.Event) bool) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				if !emit(live.AudioChunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType}) {
					return false
				}
			}
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !emit(live.TranscriptDelta{Role: live.RoleUser, Text: sc.InputTranscription.Text}) {
			return false
		}
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !emit(live.TranscriptDelta{Role: live.RoleAssistant, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.Interrupted {
		if !emit(live.Interrupted{}) {
			return false
		}
	}
	return true
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}
