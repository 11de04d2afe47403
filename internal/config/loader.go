package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the transport providers shipped with livestudio.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "gemini-genai", "openai-realtime"}

// validModalities are the accepted session.response_modalities values.
var validModalities = []string{"audio", "text"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName(cfg.Provider.Name)
	}

	// Session
	for i, m := range cfg.Session.ResponseModalities {
		if !slices.Contains(validModalities, strings.ToLower(m)) {
			errs = append(errs, fmt.Errorf("session.response_modalities[%d] %q is invalid; valid values: audio, text", i, m))
		}
	}

	// Audio
	a := cfg.Audio
	if a.Capture != "" && !a.Capture.IsValid() {
		errs = append(errs, fmt.Errorf("audio.capture %q is invalid; valid values: desktop, null", a.Capture))
	}
	if a.Playback != "" && !a.Playback.IsValid() {
		errs = append(errs, fmt.Errorf("audio.playback %q is invalid; valid values: desktop, null", a.Playback))
	}
	errs = appendRange(errs, "audio.capture_sample_rate", a.CaptureSampleRate, 8000, 192000)
	errs = appendRange(errs, "audio.capture_channels", a.CaptureChannels, 1, 2)
	errs = appendRange(errs, "audio.output_sample_rate", a.OutputSampleRate, 8000, 192000)
	errs = appendRange(errs, "audio.output_channels", a.OutputChannels, 1, 2)
	errs = appendRange(errs, "audio.frame_buffer", a.FrameBuffer, 1, 4096)
	errs = appendRange(errs, "audio.send_queue", a.SendQueue, 1, 4096)
	errs = appendRange(errs, "audio.decode_concurrency", a.DecodeConcurrency, 1, 64)
	if a.FrameDuration < 0 || (a.FrameDuration > 0 && a.FrameDuration.Milliseconds() < 10) {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s is out of range; minimum 10ms", a.FrameDuration))
	}
	if a.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer %s must not be negative", a.OutputBuffer))
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; transcripts will not outlive the process")
	}

	// Resilience
	r := cfg.Resilience
	if r.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", r.MaxFailures))
	}
	if r.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.half_open_max %d must not be negative", r.HalfOpenMax))
	}
	if r.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", r.ResetTimeout))
	}

	return errors.Join(errs...)
}

// appendRange appends an error when v is set and outside [lo, hi].
func appendRange(errs []error, field string, v, lo, hi int) []error {
	if v == 0 || (v >= lo && v <= hi) {
		return errs
	}
	return append(errs, fmt.Errorf("%s %d is out of range [%d, %d]", field, v, lo, hi))
}

// validateProviderName logs a warning if name is not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
