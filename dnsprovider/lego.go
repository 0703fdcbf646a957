package dnsprovider

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/challenge"
	legodns "github.com/go-acme/lego/v4/providers/dns"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"golang.org/x/sync/singleflight"
)

// NameCloudflare selects the Cloudflare backend configured from settings.
const NameCloudflare = "cloudflare"

// Lego adapts a lego challenge.Provider to Provider.
//
// lego providers add a TXT record per Present call and remove a single value
// per CleanUp, which gives the additive semantics. Lego tracks what it
// presented so a repeated Present of the same value and a CleanUp of a value
// that was never presented do not reach the backend. Concurrent Presents of
// the same value share one backend call.
type Lego struct {
	name     string
	provider challenge.Provider
	inflight singleflight.Group

	mu        sync.Mutex
	presented map[string]struct{}
}

// WrapLego adapts an already constructed lego provider.
func WrapLego(name string, p challenge.Provider) *Lego {
	return &Lego{name: name, provider: p, presented: make(map[string]struct{})}
}

// NewLego builds a provider from the lego registry. Settings keys are the
// lego environment variable names of that provider (e.g. GANDIV5_API_KEY);
// they are exported to the process environment before construction.
func NewLego(name string, s Settings) (Provider, error) {
	for k, v := range s {
		if err := os.Setenv(strings.ToUpper(k), v); err != nil {
			return nil, fmt.Errorf("failed to export setting %s for dns provider %q: %w", k, name, err)
		}
	}

	p, err := legodns.NewDNSChallengeProviderByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownProvider, name, err)
	}
	return WrapLego(name, p), nil
}

// NewCloudflare builds the Cloudflare backend. Recognized settings:
// api_token, zone_token, email, api_key, ttl.
func NewCloudflare(s Settings) (Provider, error) {
	cfg := cloudflare.NewDefaultConfig()
	cfg.AuthToken = s.Get("api_token", "CLOUDFLARE_DNS_API_TOKEN")
	cfg.ZoneToken = s.Get("zone_token", "CLOUDFLARE_ZONE_API_TOKEN")
	cfg.AuthEmail = s.Get("email", "CLOUDFLARE_EMAIL")
	cfg.AuthKey = s.Get("api_key", "CLOUDFLARE_API_KEY")
	if raw := s.Get("ttl"); raw != "" {
		ttl, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("cloudflare: invalid ttl %q: %w", raw, err)
		}
		cfg.TTL = ttl
	}

	p, err := cloudflare.NewDNSProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudflare provider: %w", err)
	}
	return WrapLego(NameCloudflare, p), nil
}

func presentedKey(rec Record) string {
	return strings.ToLower(rec.FQDN) + "|" + rec.Value
}

func (l *Lego) Present(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := presentedKey(rec)
	_, err, _ := l.inflight.Do(key, func() (any, error) {
		l.mu.Lock()
		_, done := l.presented[key]
		l.mu.Unlock()
		if done {
			return nil, nil
		}

		if err := l.provider.Present(rec.Domain, rec.Token, rec.KeyAuth); err != nil {
			return nil, fmt.Errorf("%s: present %s: %w", l.name, rec.FQDN, err)
		}

		l.mu.Lock()
		l.presented[key] = struct{}{}
		l.mu.Unlock()
		return nil, nil
	})
	return err
}

func (l *Lego) CleanUp(_ context.Context, rec Record) error {
	key := presentedKey(rec)
	l.mu.Lock()
	_, ok := l.presented[key]
	delete(l.presented, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := l.provider.CleanUp(rec.Domain, rec.Token, rec.KeyAuth); err != nil {
		return fmt.Errorf("%s: cleanup %s: %w", l.name, rec.FQDN, err)
	}
	return nil
}
