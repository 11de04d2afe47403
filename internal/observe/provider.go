package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/studiogen/livestudio/pkg/audio"
)

// Resource attribute keys describing how this process is wired.
const (
	AttrEngineProvider  = attribute.Key("livestudio.engine.provider")
	AttrEngineModel     = attribute.Key("livestudio.engine.model")
	AttrCaptureBackend  = attribute.Key("livestudio.audio.capture")
	AttrPlaybackBackend = attribute.Key("livestudio.audio.playback")
	AttrWireFormat      = attribute.Key("livestudio.audio.wire_format")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "livestudio".
	ServiceName string

	ServiceVersion string

	// EngineProvider and EngineModel name the conversational engine
	// transport, e.g. "gemini-live". Empty values are omitted.
	EngineProvider string
	EngineModel    string

	// CaptureBackend and PlaybackBackend name the local audio devices,
	// e.g. "desktop" or "null".
	CaptureBackend  string
	PlaybackBackend string

	// TraceExporter is optional. When nil, spans are recorded but not
	// exported.
	TraceExporter sdktrace.SpanExporter
}

// NewResource builds the telemetry resource for cfg. Every metric and span
// carries the engine and device wiring alongside the service identity, so a
// dashboard can split latencies by transport or tell headless runs apart.
func NewResource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "livestudio"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		AttrWireFormat.String(audio.WireFormat.Descriptor()),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for _, kv := range []struct {
		key attribute.Key
		val string
	}{
		{AttrEngineProvider, cfg.EngineProvider},
		{AttrEngineModel, cfg.EngineModel},
		{AttrCaptureBackend, cfg.CaptureBackend},
		{AttrPlaybackBackend, cfg.PlaybackBackend},
	} {
		if kv.val != "" {
			attrs = append(attrs, kv.key.String(kv.val))
		}
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

// InitProvider registers global meter and tracer providers built from cfg.
// Metrics go through a Prometheus exporter so the server's /metrics route can
// scrape them; spans go to cfg.TraceExporter when set.
//
// The returned shutdown flushes both providers. Call it from main before
// exiting.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := NewResource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
