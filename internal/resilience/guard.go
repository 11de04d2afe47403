package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/studiogen/livestudio/pkg/provider/live"
)

// GuardedProvider implements [live.Provider] by routing every Open through a
// [CircuitBreaker]. Only the handshake is guarded; failures of an established
// session are the state machine's concern.
type GuardedProvider struct {
	inner   live.Provider
	breaker *CircuitBreaker
}

var _ live.Provider = (*GuardedProvider)(nil)

// NewGuardedProvider wraps inner. cfg.Name defaults to the provider name.
func NewGuardedProvider(inner live.Provider, cfg CircuitBreakerConfig) *GuardedProvider {
	if cfg.Name == "" {
		cfg.Name = inner.Name()
	}
	return &GuardedProvider{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

// Name implements [live.Provider].
func (g *GuardedProvider) Name() string { return g.inner.Name() }

// Open implements [live.Provider]. When the breaker is open the call fails
// immediately; the error wraps both [live.ErrConnectionFailed] and
// [ErrCircuitOpen].
func (g *GuardedProvider) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	var sess live.Session
	err := g.breaker.Execute(func() error {
		var err error
		sess, err = g.inner.Open(ctx, cfg)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, live.ConnectionError(g.inner.Name(), "open", err)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// State reports the breaker state.
func (g *GuardedProvider) State() State { return g.breaker.State() }

// Check implements a readiness probe: it fails while the breaker is open.
func (g *GuardedProvider) Check(context.Context) error {
	if st := g.breaker.State(); st == StateOpen {
		return fmt.Errorf("resilience: %s transport breaker %s", g.inner.Name(), st)
	}
	return nil
}
