package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dwarpal/dwarpal/pkg/provider/reply"
	"github.com/dwarpal/dwarpal/pkg/provider/stt"
	"github.com/dwarpal/dwarpal/pkg/provider/tts"
	"github.com/dwarpal/dwarpal/pkg/provider/vision"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	vision map[string]func(ProviderEntry) (vision.Provider, error)
	stt    map[string]func(ProviderEntry) (stt.Provider, error)
	tts    map[string]func(ProviderEntry) (tts.Provider, error)
	reply  map[string]func(ProviderEntry) (reply.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vision: make(map[string]func(ProviderEntry) (vision.Provider, error)),
		stt:    make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts:    make(map[string]func(ProviderEntry) (tts.Provider, error)),
		reply:  make(map[string]func(ProviderEntry) (reply.Provider, error)),
	}
}

// RegisterVision registers a vision provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVision(name string, factory func(ProviderEntry) (vision.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vision[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterReply registers a reply provider factory under name.
func (r *Registry) RegisterReply(name string, factory func(ProviderEntry) (reply.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reply[name] = factory
}

// CreateVision instantiates a vision provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateVision(entry ProviderEntry) (vision.Provider, error) {
	r.mu.RLock()
	factory, ok := r.vision[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vision/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateReply instantiates a reply provider using the factory registered under entry.Name.
func (r *Registry) CreateReply(entry ProviderEntry) (reply.Provider, error) {
	r.mu.RLock()
	factory, ok := r.reply[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: reply/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
