package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/studiogen/livestudio/pkg/audio"
)

func spanNamed(t *testing.T, exp *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range exp.GetSpans() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no span named %q recorded", name)
	return tracetest.SpanStub{}
}

func attrValue(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestWithSessionID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
	if got := WithSessionID(ctx, ""); got != ctx {
		t.Error("empty id should return ctx unchanged")
	}
	if got := SessionID(WithSessionID(ctx, "3f2c")); got != "3f2c" {
		t.Errorf("SessionID = %q, want 3f2c", got)
	}
}

func TestStartSessionSpan_Attributes(t *testing.T) {
	_, _, exp := testSetup(t)

	ctx := WithSessionID(context.Background(), "sess-1")
	_, span := StartSessionSpan(ctx, SpanSessionStart, Attr("provider", "gemini-live"))
	span.End()

	got := spanNamed(t, exp, SpanSessionStart)
	if got.SpanKind != trace.SpanKindInternal {
		t.Errorf("span kind = %v, want internal", got.SpanKind)
	}
	if v, _ := attrValue(got.Attributes, "session_id"); v != "sess-1" {
		t.Errorf("session_id = %q, want sess-1", v)
	}
	if v, _ := attrValue(got.Attributes, "provider"); v != "gemini-live" {
		t.Errorf("provider = %q, want gemini-live", v)
	}
}

func TestStartSessionSpan_WithoutSession(t *testing.T) {
	_, _, exp := testSetup(t)

	_, span := StartSessionSpan(context.Background(), SpanSessionStop)
	span.End()

	if _, ok := attrValue(spanNamed(t, exp, SpanSessionStop).Attributes, "session_id"); ok {
		t.Error("session_id attribute set without a session in ctx")
	}
}

// A session start triggered over HTTP must share the request's trace so the
// X-Correlation-ID returned to the console identifies it.
func TestStartSessionSpan_JoinsRequestTrace(t *testing.T) {
	m, _, exp := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithSessionID(r.Context(), "sess-2")
		_, span := StartSessionSpan(ctx, SpanSessionStart)
		span.End()
		w.WriteHeader(http.StatusConflict)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session/start", nil))

	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want a 32-char trace id", cid)
	}
	start := spanNamed(t, exp, SpanSessionStart)
	if got := start.SpanContext.TraceID().String(); got != cid {
		t.Errorf("session span trace = %s, correlation id = %s", got, cid)
	}
	req := spanNamed(t, exp, "HTTP POST /v1/session/start")
	if start.Parent.SpanID() != req.SpanContext.SpanID() {
		t.Error("session span is not a child of the request span")
	}
}

func TestCorrelationID(t *testing.T) {
	testSetup(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSessionSpan(context.Background(), SpanSessionStart)
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 {
			t.Fatalf("correlation id %q has length %d", cid, len(cid))
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger(t *testing.T) {
	testSetup(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "session only",
			ctx: func() (context.Context, func()) {
				return WithSessionID(context.Background(), "sess-3"), func() {}
			},
			want:    []string{"session_id=sess-3"},
			notWant: []string{"trace_id"},
		},
		{
			name: "session span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSessionSpan(WithSessionID(context.Background(), "sess-4"), SpanSessionStart)
				return ctx, func() { span.End() }
			},
			want: []string{"trace_id=", "span_id=", "session_id=sess-4"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			ctx, end := tt.ctx()
			defer end()
			Logger(ctx).Info("live session started")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log output missing %q: %s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log output should not contain %q: %s", w, out)
				}
			}
		})
	}
}

func TestNewResource(t *testing.T) {
	t.Parallel()

	res, err := NewResource(ProviderConfig{
		ServiceVersion:  "1.2.3",
		EngineProvider:  "openai-realtime",
		CaptureBackend:  "null",
		PlaybackBackend: "desktop",
	})
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	set := res.Set()

	want := map[attribute.Key]string{
		"service.name":      "livestudio",
		"service.version":   "1.2.3",
		AttrEngineProvider:  "openai-realtime",
		AttrCaptureBackend:  "null",
		AttrPlaybackBackend: "desktop",
		AttrWireFormat:      audio.WireFormat.Descriptor(),
	}
	for k, v := range want {
		got, ok := set.Value(k)
		if !ok {
			t.Errorf("resource missing %s", k)
			continue
		}
		if got.AsString() != v {
			t.Errorf("%s = %q, want %q", k, got.AsString(), v)
		}
	}
	if _, ok := set.Value(AttrEngineModel); ok {
		t.Errorf("empty %s should be omitted", AttrEngineModel)
	}
}
