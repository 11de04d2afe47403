package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/studiogen/livestudio/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "k", Options: map[string]any{"keepalive": "20s"}},
		Session:  config.SessionConfig{SystemInstruction: "Direct.", Voice: "Puck"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.SessionChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_SessionFields(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	off := false
	new.Session.Voice = "Kore"
	new.Session.OutputTranscription = &off
	new.Audio.FrameDuration = 128 * time.Millisecond

	d := config.Diff(old, new)
	if !d.SessionChanged {
		t.Fatal("SessionChanged = false")
	}
	want := []string{"session.voice", "session.output_transcription", "audio.frame_duration"}
	if !slices.Equal(d.SessionFields, want) {
		t.Errorf("SessionFields = %v, want %v", d.SessionFields, want)
	}
}

func TestDiff_ExplicitDefaultIsNoChange(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	on := true
	new.Session.InputTranscription = &on

	if d := config.Diff(old, new); d.SessionChanged {
		t.Errorf("explicit true vs unset reported as change: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Provider.Options = map[string]any{"keepalive": "30s"}
	new.Audio.OutputSampleRate = 48000
	new.Resilience.MaxFailures = 9

	d := config.Diff(old, new)
	want := []string{"provider", "audio.output_sample_rate", "resilience"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.SessionChanged {
		t.Error("SessionChanged = true")
	}
}
