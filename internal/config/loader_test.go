package config_test

import (
	"strings"
	"testing"

	"github.com/studiogen/livestudio/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "provider required",
			yaml:    "server:\n  log_level: info\n",
			wantErr: []string{"provider.name is required"},
		},
		{
			name:    "bad log level",
			yaml:    "provider:\n  name: gemini-live\nserver:\n  log_level: loud\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "bad backend",
			yaml:    "provider:\n  name: gemini-live\naudio:\n  capture: alsa\n  playback: pulse\n",
			wantErr: []string{"audio.capture", "audio.playback"},
		},
		{
			name:    "bad modality",
			yaml:    "provider:\n  name: gemini-live\nsession:\n  response_modalities: [audio, video]\n",
			wantErr: []string{"response_modalities[1]"},
		},
		{
			name:    "rates out of range",
			yaml:    "provider:\n  name: gemini-live\naudio:\n  capture_sample_rate: 100\n  output_channels: 6\n",
			wantErr: []string{"audio.capture_sample_rate", "audio.output_channels"},
		},
		{
			name:    "frame too short",
			yaml:    "provider:\n  name: gemini-live\naudio:\n  frame_duration: 2ms\n",
			wantErr: []string{"audio.frame_duration"},
		},
		{
			name:    "tls incomplete",
			yaml:    "provider:\n  name: gemini-live\nserver:\n  tls:\n    cert_file: /tmp/cert.pem\n",
			wantErr: []string{"server.tls"},
		},
		{
			name:    "negative breaker",
			yaml:    "provider:\n  name: gemini-live\nresilience:\n  max_failures: -1\n",
			wantErr: []string{"resilience.max_failures"},
		},
		{
			name: "unknown provider only warns",
			yaml: "provider:\n  name: my-engine\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  capture: alsa
  decode_concurrency: 500
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"provider.name", "server.log_level", "audio.capture", "audio.decode_concurrency"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error misses %q: %v", want, err)
		}
	}
}
