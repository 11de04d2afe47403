package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/studiogen/livestudio/pkg/provider/live"
	livemock "github.com/studiogen/livestudio/pkg/provider/live/mock"
)

func TestGuardedProvider_PassesThrough(t *testing.T) {
	t.Parallel()

	inner := &livemock.Provider{ProviderName: "gemini-live"}
	g := NewGuardedProvider(inner, CircuitBreakerConfig{MaxFailures: 2})

	sess, err := g.Open(context.Background(), live.Config{Voice: "Puck"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if g.Name() != "gemini-live" {
		t.Errorf("Name = %q", g.Name())
	}
	if inner.Opens() != 1 || inner.OpenCalls[0].Cfg.Voice != "Puck" {
		t.Errorf("OpenCalls = %+v", inner.OpenCalls)
	}
	if err := g.Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestGuardedProvider_FailsFastWhenOpen(t *testing.T) {
	t.Parallel()

	cause := live.ConnectionError("mock", "dial", errors.New("refused"))
	inner := &livemock.Provider{OpenErr: cause}
	g := NewGuardedProvider(inner, CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	for range 2 {
		if _, err := g.Open(context.Background(), live.Config{}); !errors.Is(err, live.ErrConnectionFailed) {
			t.Fatalf("err = %v, want ErrConnectionFailed", err)
		}
	}
	if g.State() != StateOpen {
		t.Fatalf("state = %v, want open", g.State())
	}

	_, err := g.Open(context.Background(), live.Config{})
	if !errors.Is(err, live.ErrConnectionFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrConnectionFailed wrapping ErrCircuitOpen", err)
	}
	if inner.Opens() != 2 {
		t.Errorf("inner opened %d times, want 2", inner.Opens())
	}
	if err := g.Check(context.Background()); err == nil {
		t.Error("Check passed with open breaker")
	}
}
