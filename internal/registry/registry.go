// Package registry maintains the named set of chat providers and resolves
// which provider serves a given request.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pmoraes/chat-backend/internal/domain"
	"github.com/pmoraes/chat-backend/internal/provider"
)

// Source records how a provider was chosen for a call.
type Source string

const (
	SourceOverride Source = "override"
	SourceSession  Source = "session"
	SourceDefault  Source = "default"
	SourceFallback Source = "fallback"
)

// Resolution describes the provider selected for one call and the path that
// selected it. It is ephemeral: recomputed per request, never stored.
type Resolution struct {
	Name     string
	Provider provider.Provider
	Source   Source
}

// Registry is a concurrency-safe name-to-provider mapping with an optional
// default. Names are normalised (trimmed, lower-cased) on every operation so
// lookups are case-insensitive.
type Registry struct {
	mu        sync.Mutex
	providers map[string]provider.Provider
	def       string
}

func New() *Registry {
	return &Registry{
		providers: make(map[string]provider.Provider),
	}
}

// Normalise returns the canonical form of a provider name.
func Normalise(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterOptions adjusts Register behaviour.
type RegisterOptions struct {
	// Name overrides the provider's own name.
	Name string
	// Replace permits overwriting an existing registration.
	Replace bool
}

// Register inserts p under its normalised name. Registration is an atomic
// replace-or-insert: a provider is never observable half-registered.
func (r *Registry) Register(p provider.Provider, opts RegisterOptions) error {
	name := opts.Name
	if name == "" {
		name = p.Name()
	}
	key := Normalise(name)
	if key == "" {
		return fmt.Errorf("%w: empty provider name", domain.ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[key]; ok && !opts.Replace {
		return fmt.Errorf("%w: %q", domain.ErrProviderAlreadyRegistered, key)
	}
	r.providers[key] = p
	return nil
}

// Unregister removes the named provider. When it was the default, the default
// is cleared rather than reassigned.
func (r *Registry) Unregister(name string) error {
	key := Normalise(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[key]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrProviderNotRegistered, key)
	}
	delete(r.providers, key)
	if r.def == key {
		r.def = ""
	}
	return nil
}

// SetDefault designates the provider used when no name is supplied.
func (r *Registry) SetDefault(name string) error {
	key := Normalise(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[key]; !ok {
		return fmt.Errorf("%w: cannot set default to %q", domain.ErrProviderNotRegistered, key)
	}
	r.def = key
	return nil
}

// Default returns the configured default provider name, or "".
func (r *Registry) Default() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def
}

// Get retrieves a provider by exact (normalised) name.
func (r *Registry) Get(name string) (provider.Provider, error) {
	key := Normalise(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotRegistered, key)
	}
	return p, nil
}

// Resolve returns the named provider, or the default when name is empty.
func (r *Registry) Resolve(name string) (provider.Provider, error) {
	if Normalise(name) != "" {
		return r.Get(name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.def == "" {
		return nil, fmt.Errorf("%w: no provider name supplied and no default configured", domain.ErrProviderNotRegistered)
	}
	return r.providers[r.def], nil
}

// ResolveForSession picks the provider for a chat turn: the session's
// preference when present (source "session"), otherwise the configured
// default (source "default").
func (r *Registry) ResolveForSession(sessionProvider string) (Resolution, error) {
	if key := Normalise(sessionProvider); key != "" {
		p, err := r.Get(key)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Name: key, Provider: p, Source: SourceSession}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.def == "" {
		return Resolution{}, fmt.Errorf("%w: no default provider configured", domain.ErrProviderNotRegistered)
	}
	return Resolution{Name: r.def, Provider: r.providers[r.def], Source: SourceDefault}, nil
}

// ResolveFallback resolves the configured fallback for a failed primary.
// It returns (nil, nil) when no fallback is configured or when the fallback
// normalises to the primary itself: retrying the identical provider is never
// useful. A named but unregistered fallback is an error.
func (r *Registry) ResolveFallback(fallbackName, primaryName string) (*Resolution, error) {
	key := Normalise(fallbackName)
	if key == "" {
		return nil, nil
	}
	if Normalise(primaryName) == key {
		return nil, nil
	}

	p, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	return &Resolution{Name: key, Provider: p, Source: SourceFallback}, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns a snapshot copy of the registered providers.
func (r *Registry) Available() map[string]provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]provider.Provider, len(r.providers))
	for name, p := range r.providers {
		out[name] = p
	}
	return out
}
