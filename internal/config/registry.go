package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/studiogen/livestudio/pkg/audio"
	"github.com/studiogen/livestudio/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider and backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	live     map[string]func(ProviderEntry) (live.Provider, error)
	capture  map[Backend]func(AudioConfig) (audio.Microphone, error)
	playback map[Backend]func(AudioConfig) (audio.Speaker, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:     make(map[string]func(ProviderEntry) (live.Provider, error)),
		capture:  make(map[Backend]func(AudioConfig) (audio.Microphone, error)),
		playback: make(map[Backend]func(AudioConfig) (audio.Speaker, error)),
	}
}

// RegisterLive registers a transport provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterCapture registers a microphone backend factory.
func (r *Registry) RegisterCapture(name Backend, factory func(AudioConfig) (audio.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a speaker backend factory.
func (r *Registry) RegisterPlayback(name Backend, factory func(AudioConfig) (audio.Speaker, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateLive instantiates a transport provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates the microphone backend selected by cfg.Capture.
func (r *Registry) CreateCapture(cfg AudioConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Capture]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Capture)
	}
	return factory(cfg)
}

// CreatePlayback instantiates the speaker backend selected by cfg.Playback.
func (r *Registry) CreatePlayback(cfg AudioConfig) (audio.Speaker, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Playback]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, cfg.Playback)
	}
	return factory(cfg)
}

// LiveNames returns the registered transport provider names in sorted order.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
