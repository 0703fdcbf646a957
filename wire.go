package acme

import (
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/caasmo/acmefleet/discovery"
	"github.com/caasmo/acmefleet/dnsprovider"
	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/output"
)

// NewProvider builds the configured DNS backend from registry. The
// configured zones are passed to backends that need them.
func NewProvider(cfg *Config, registry *dnsprovider.Registry) (dnsprovider.Provider, error) {
	if registry == nil {
		registry = dnsprovider.NewRegistry()
	}
	settings := dnsprovider.Settings{}
	maps.Copy(settings, cfg.DNS.Settings)
	if settings.Get("zones") == "" && len(cfg.DNS.Zones) > 0 {
		settings["zones"] = strings.Join(cfg.DNS.Zones, ",")
	}

	p, err := registry.New(cfg.DNS.Provider, settings)
	if err != nil {
		return nil, fault.Config("dns.provider", err)
	}
	return p, nil
}

// NewQuerier returns the propagation querier, nil when the check is off.
func NewQuerier(cfg *Config) (dnsprovider.Querier, error) {
	if !cfg.DNS.PropagationCheck {
		return nil, nil
	}
	q, err := dnsprovider.NewDNSQuerier(cfg.DNS.RecursiveNameservers, 5*time.Second)
	if err != nil {
		return nil, fault.Config("dns.recursive_nameservers", err)
	}
	return q, nil
}

// NewDiscoverer returns the control plane discovery client, nil when
// discovery is disabled.
func NewDiscoverer(cfg *Config, logger *slog.Logger) (Discoverer, error) {
	if !cfg.Discovery.Enabled {
		return nil, nil
	}
	c, err := discovery.New(discovery.Config{
		Endpoint:             cfg.Discovery.Endpoint,
		Token:                cfg.Discovery.Token,
		Namespaces:           cfg.Discovery.Namespaces,
		RequiredCapabilities: cfg.Discovery.RequiredCapabilities,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewSinks returns the enabled file and push outputs followed by extra.
func NewSinks(cfg *Config, logger *slog.Logger, extra ...output.Sink) ([]output.Sink, error) {
	var sinks []output.Sink
	if cfg.Bundle.Enabled {
		p, err := output.NewPKCS12(cfg.Bundle.Dir, cfg.Bundle.Password, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, p)
	}
	if cfg.Push.Enabled {
		p, err := output.NewPusher(cfg.Push.Endpoint, cfg.Push.Token, nil, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, p)
	}
	return append(sinks, extra...), nil
}
