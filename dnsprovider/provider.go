// Package dnsprovider publishes and removes the TXT records that prove control
// of a domain for the ACME DNS-01 challenge.
//
// Every backend satisfies Provider. Present is additive: a value is merged into
// whatever TXT set already exists at the name, so concurrent or stale proofs for
// the same domain coexist. CleanUp removes only its own value and treats an
// absent record as success. Backends are selected by name through a Registry.
package dnsprovider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/challenge/dns01"
)

// ChallengeLabel is the owner label of every DNS-01 TXT record.
const ChallengeLabel = "_acme-challenge"

var (
	// ErrUnknownProvider is returned when no factory is registered under a name
	// and the lego registry does not know it either.
	ErrUnknownProvider = errors.New("dnsprovider: unknown provider")

	// ErrRecordNotFound is returned by Query when no TXT record exists at the name.
	ErrRecordNotFound = errors.New("dnsprovider: record not found")
)

// Record is one ephemeral DNS-01 proof.
type Record struct {
	// Domain is the identifier being validated, without any wildcard label.
	Domain string
	// FQDN is the challenge name, always with a trailing dot.
	FQDN string
	// Zone is the owning zone as chosen by the zone resolver. Empty when the
	// backend locates zones itself.
	Zone string
	// Value is the TXT payload computed from the key authorization.
	Value string
	// Token and KeyAuth are passed through to backends that derive the TXT
	// payload themselves (the lego providers).
	Token   string
	KeyAuth string
}

// ChallengeName returns the DNS-01 challenge FQDN for domain.
func ChallengeName(domain string) string {
	domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "*.")
	return dns01.ToFqdn(ChallengeLabel + "." + dns01.UnFqdn(domain))
}

// Provider creates and removes challenge TXT values.
type Provider interface {
	// Present merges rec.Value into the TXT set at rec.FQDN. Presenting the
	// same value twice is a no-op.
	Present(ctx context.Context, rec Record) error
	// CleanUp removes rec.Value from the TXT set at rec.FQDN. Removing an
	// absent value is a no-op.
	CleanUp(ctx context.Context, rec Record) error
}

// Querier reads the TXT values currently published at a name.
type Querier interface {
	Query(ctx context.Context, fqdn string) ([]string, error)
}

// Settings is the opaque string-keyed backend configuration.
type Settings map[string]string

// Get returns the first non-empty value among keys.
func (s Settings) Get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(s[k]); v != "" {
			return v
		}
	}
	return ""
}

// List splits a comma separated value.
func (s Settings) List(key string) []string {
	raw := s.Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Factory builds a Provider from its settings.
type Factory func(Settings) (Provider, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	fallback  func(name string, s Settings) (Provider, error)
}

// NewRegistry returns a registry with the built-in backends registered.
// Names without a registered factory are looked up in the lego registry.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		fallback:  NewLego,
	}
	r.Register(NameMemory, func(Settings) (Provider, error) { return NewMemory(), nil })
	r.Register(NameCloudflare, NewCloudflare)
	r.Register(NameWebAPI, func(s Settings) (Provider, error) { return NewWebAPIFromSettings(s) })
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Names returns the explicitly registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New builds the backend registered under name.
func (r *Registry) New(name string, s Settings) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownProvider)
	}

	r.mu.RLock()
	f, ok := r.factories[key]
	fallback := r.fallback
	r.mu.RUnlock()

	if ok {
		return f(s)
	}
	if fallback == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return fallback(key, s)
}

func mergeValue(values []string, value string) ([]string, bool) {
	if slices.Contains(values, value) {
		return values, false
	}
	return append(slices.Clone(values), value), true
}

func removeValue(values []string, value string) ([]string, bool) {
	if !slices.Contains(values, value) {
		return values, false
	}
	out := make([]string, 0, len(values)-1)
	for _, v := range values {
		if v != value {
			out = append(out, v)
		}
	}
	return out, true
}
