package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart and is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any session setting or a hot-reloadable
	// audio pipeline setting changed. The new values apply to the next Start.
	SessionChanged bool

	// SessionFields lists the YAML paths of the changed session settings.
	SessionFields []string

	// RestartRequired lists the YAML paths of changed fields that only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Session settings, applied to the next Start.
	so, sn := old.Session, new.Session
	session := []struct {
		path    string
		changed bool
	}{
		{"session.system_instruction", so.SystemInstruction != sn.SystemInstruction},
		{"session.voice", so.Voice != sn.Voice},
		{"session.input_transcription", BoolOr(so.InputTranscription, true) != BoolOr(sn.InputTranscription, true)},
		{"session.output_transcription", BoolOr(so.OutputTranscription, true) != BoolOr(sn.OutputTranscription, true)},
		{"session.response_modalities", !slices.Equal(so.ResponseModalities, sn.ResponseModalities)},
		{"audio.frame_duration", old.Audio.FrameDuration != new.Audio.FrameDuration},
		{"audio.frame_buffer", old.Audio.FrameBuffer != new.Audio.FrameBuffer},
		{"audio.send_queue", old.Audio.SendQueue != new.Audio.SendQueue},
		{"audio.decode_concurrency", old.Audio.DecodeConcurrency != new.Audio.DecodeConcurrency},
	}
	for _, f := range session {
		if f.changed {
			d.SessionChanged = true
			d.SessionFields = append(d.SessionFields, f.path)
		}
	}

	// Fields bound at startup.
	restart := []struct {
		path    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"provider", !sameProvider(old.Provider, new.Provider)},
		{"audio.capture", old.Audio.Capture != new.Audio.Capture},
		{"audio.playback", old.Audio.Playback != new.Audio.Playback},
		{"audio.capture_sample_rate", old.Audio.CaptureSampleRate != new.Audio.CaptureSampleRate},
		{"audio.capture_channels", old.Audio.CaptureChannels != new.Audio.CaptureChannels},
		{"audio.output_sample_rate", old.Audio.OutputSampleRate != new.Audio.OutputSampleRate},
		{"audio.output_channels", old.Audio.OutputChannels != new.Audio.OutputChannels},
		{"audio.output_buffer", old.Audio.OutputBuffer != new.Audio.OutputBuffer},
		{"memory.postgres_dsn", old.Memory.PostgresDSN != new.Memory.PostgresDSN},
		{"resilience", old.Resilience != new.Resilience},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartRequired = append(d.RestartRequired, f.path)
		}
	}

	return d
}

// sameProvider compares two provider entries. Options are compared by key
// set and string form only.
func sameProvider(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
