// Command livestudio runs the live session server: one duplex audio session
// between the local microphone and speaker and a remote conversational
// engine, controlled over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	googlegenai "google.golang.org/genai"

	"github.com/studiogen/livestudio/internal/app"
	"github.com/studiogen/livestudio/internal/config"
	"github.com/studiogen/livestudio/internal/observe"
	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/audio/device/desktop"
	"github.com/studiogen/livestudio/pkg/audio/device/null"
	"github.com/studiogen/livestudio/pkg/provider/live"
	"github.com/studiogen/livestudio/pkg/provider/live/gemini"
	"github.com/studiogen/livestudio/pkg/provider/live/genai"
	"github.com/studiogen/livestudio/pkg/provider/live/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livestudio.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload session settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livestudio: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livestudio: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("livestudio starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion:  version,
		EngineProvider:  cfg.Provider.Name,
		EngineModel:     cfg.Provider.Model,
		CaptureBackend:  string(cfg.Audio.Capture),
		PlaybackBackend: string(cfg.Audio.Playback),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers and devices ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	provider, devices, err := build(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, provider, devices)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := application.Reload(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
		}, config.WithOnError(func(err error) {
			slog.Warn("config reload failed; keeping previous config", "err", err)
		}))
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the transport and device factories that ship with
// livestudio into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Transports ────────────────────────────────────────────────────────────

	reg.RegisterLive(gemini.Name, func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive(openai.Name, func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive(genai.Name, func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []genai.Option
		if entry.Model != "" {
			opts = append(opts, genai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(entry.BaseURL))
		}
		switch b := optString(entry.Options, "backend"); b {
		case "", "gemini":
		case "vertex":
			opts = append(opts, genai.WithBackend(googlegenai.BackendVertexAI))
		default:
			return nil, fmt.Errorf("gemini-genai: unknown backend %q; valid values: gemini, vertex", b)
		}
		return genai.New(entry.APIKey, opts...), nil
	})

	// ── Devices ───────────────────────────────────────────────────────────────

	reg.RegisterCapture(config.BackendDesktop, func(a config.AudioConfig) (audio.Microphone, error) {
		return desktop.NewMicrophone(desktop.WithCaptureFormat(audio.Format{
			SampleRate: a.CaptureSampleRate,
			Channels:   a.CaptureChannels,
		})), nil
	})
	reg.RegisterCapture(config.BackendNull, func(a config.AudioConfig) (audio.Microphone, error) {
		return &null.Microphone{Format: audio.Format{SampleRate: a.CaptureSampleRate, Channels: a.CaptureChannels}}, nil
	})

	reg.RegisterPlayback(config.BackendDesktop, func(a config.AudioConfig) (audio.Speaker, error) {
		return desktop.NewSpeaker(outputFormat(a), a.OutputBuffer), nil
	})
	reg.RegisterPlayback(config.BackendNull, func(a config.AudioConfig) (audio.Speaker, error) {
		return &null.Speaker{OutputFormat: outputFormat(a)}, nil
	})

	for _, name := range reg.LiveNames() {
		slog.Debug("registered provider", "kind", "live", "name", name)
	}
}

// build instantiates the transport and the devices named in cfg.
func build(cfg *config.Config, reg *config.Registry) (live.Provider, app.Devices, error) {
	provider, err := reg.CreateLive(cfg.Provider)
	if err != nil {
		return nil, app.Devices{}, fmt.Errorf("create provider %q: %w", cfg.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "live", "name", cfg.Provider.Name)

	mic, err := reg.CreateCapture(cfg.Audio)
	if err != nil {
		return nil, app.Devices{}, fmt.Errorf("create capture backend %q: %w", cfg.Audio.Capture, err)
	}
	speaker, err := reg.CreatePlayback(cfg.Audio)
	if err != nil {
		return nil, app.Devices{}, fmt.Errorf("create playback backend %q: %w", cfg.Audio.Playback, err)
	}
	slog.Info("audio devices created", "capture", cfg.Audio.Capture, "playback", cfg.Audio.Playback)

	return provider, app.Devices{Mic: mic, Speaker: speaker}, nil
}

func outputFormat(a config.AudioConfig) audio.Format {
	return audio.Format{SampleRate: a.OutputSampleRate, Channels: a.OutputChannels}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       livestudio: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", providerLabel(cfg.Provider))
	printRow("Voice", orDefault(cfg.Session.Voice, "(engine default)"))
	printRow("Capture", fmt.Sprintf("%s %dHz", cfg.Audio.Capture, cfg.Audio.CaptureSampleRate))
	printRow("Playback", fmt.Sprintf("%s %dHz", cfg.Audio.Playback, cfg.Audio.OutputSampleRate))
	printRow("Frame", cfg.Audio.FrameDuration.String())
	if cfg.Memory.PostgresDSN != "" {
		printRow("Transcripts", "postgres")
	} else {
		printRow("Transcripts", "(in memory)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(p config.ProviderEntry) string {
	if p.Model == "" {
		return p.Name
	}
	return p.Name + " / " + p.Model
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
