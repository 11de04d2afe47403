// Package genai implements the live.Provider interface on top of the official
// Google Gen AI SDK's Live client.
//
// It speaks the same BidiGenerateContent protocol as the gemini package but
// delegates framing, authentication and endpoint selection to the SDK, which
// also makes Vertex AI reachable through [WithBackend].
package genai

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)

const (
	// Name is the registry name of this provider.
	Name = "gemini-genai"

	defaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the SDK's API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithBackend selects the Gemini API or Vertex AI backend.
func WithBackend(b genai.Backend) Option {
	return func(p *Provider) { p.backend = b }
}

// Provider implements live.Provider using google.golang.org/genai.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	backend genai.Backend
}

// New creates a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return Name }

// Open connects a Live session and waits for the setup acknowledgement.
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: p.backend,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, live.ConnectionError(Name, "client", err)
	}

	gs, err := client.Live.Connect(ctx, p.model, buildConnectConfig(cfg))
	if err != nil {
		return nil, live.ConnectionError(Name, "connect", err)
	}
	if err := awaitSetupComplete(ctx, gs); err != nil {
		_ = gs.Close()
		return nil, live.ConnectionError(Name, "setup", err)
	}

	s := &session{gs: gs}
	s.stream = live.NewStream(Name, cfg.QueueDepth(), s.sendFrame, gs.Close)
	s.stream.Start(s.receive)

	slog.Debug("genai: session open", "model", p.model, "backend", p.backend)
	return s.stream, nil
}

func buildConnectConfig(cfg live.Config) *genai.LiveConnectConfig {
	cc := &genai.LiveConnectConfig{}
	for _, m := range cfg.Modalities() {
		switch m {
		case live.ModalityAudio:
			cc.ResponseModalities = append(cc.ResponseModalities, genai.ModalityAudio)
		case live.ModalityText:
			cc.ResponseModalities = append(cc.ResponseModalities, genai.ModalityText)
		}
	}
	if cfg.SystemInstruction != "" {
		cc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		cc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		cc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		cc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cc
}

// awaitSetupComplete blocks until the first setupComplete message. Receive
// takes no context, so cancellation closes the session to unblock it.
func awaitSetupComplete(ctx context.Context, gs *genai.Session) error {
	stop := context.AfterFunc(ctx, func() { _ = gs.Close() })
	defer stop()
	for {
		msg, err := gs.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	gs     *genai.Session
	stream *live.Stream
}

func (s *session) sendFrame(_ context.Context, f audio.Frame) error {
	return s.gs.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: f.Format.MIMEType(), Data: f.PCM},
	})
}

func (s *session) receive(_ context.Context, emit func(live.Event) bool) error {
	for {
		msg, err := s.gs.Receive()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if msg.GoAway != nil {
			slog.Warn("genai: server going away", "time_left", msg.GoAway.TimeLeft)
		}
		for _, ev := range translate(msg) {
			if !emit(ev) {
				return nil
			}
		}
	}
}

// translate maps one server message to live events in protocol order: model
// audio, input transcription, output transcription, interruption.
func translate(msg *genai.LiveServerMessage) []live.Event {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	var out []live.Event
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			out = append(out, live.AudioChunk{
				PCM:      p.InlineData.Data,
				MIMEType: p.InlineData.MIMEType,
			})
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, live.TranscriptDelta{Role: live.RoleUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, live.TranscriptDelta{Role: live.RoleAssistant, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		out = append(out, live.Interrupted{})
	}
	return out
}
