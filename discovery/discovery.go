// Package discovery lists load-balancer endpoints from the control plane and
// turns those carrying the required capabilities into certificate targets.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/request"
)

// ErrAllSourcesFailed is returned when no namespace could be listed. An
// empty result is never reported for a control plane that did not answer.
var ErrAllSourcesFailed = errors.New("discovery: all sources failed")

const maxBody = 10 << 20

// Endpoint is one virtual service as reported by the control plane.
type Endpoint struct {
	Name         string          `json:"name"`
	Domains      []string        `json:"domains"`
	Capabilities map[string]bool `json:"capabilities"`
}

type listResponse struct {
	Items []Endpoint `json:"items"`
}

// Config configures a Client.
type Config struct {
	Endpoint string
	Token    string
	// Namespaces are listed independently; each is one source.
	Namespaces []string
	// RequiredCapabilities must all be set on an endpoint for it to be kept.
	RequiredCapabilities []string
	Timeout              time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

// Client queries the control plane.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fault.Config("discovery.endpoint", errors.New("endpoint is required"))
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fault.Config("discovery.endpoint", fmt.Errorf("invalid endpoint %q", cfg.Endpoint))
	}
	if len(cfg.Namespaces) == 0 {
		return nil, fault.Config("discovery.namespaces", errors.New("at least one namespace is required"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, base: base, http: hc, logger: logger.With("component", "discovery")}, nil
}

// Targets lists every namespace concurrently. Namespaces that fail are
// logged and skipped; if all of them fail the joined errors are returned
// wrapped in ErrAllSourcesFailed.
func (c *Client) Targets(ctx context.Context) ([]request.Target, error) {
	var (
		mu      sync.Mutex
		targets []request.Target
		errs    []error
		g       errgroup.Group
	)

	for _, ns := range c.cfg.Namespaces {
		g.Go(func() error {
			endpoints, err := c.list(ctx, ns)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("Failed to list endpoints", "namespace", ns, "error", err)
				errs = append(errs, fmt.Errorf("namespace %s: %w", ns, err))
				return nil
			}
			kept := 0
			for _, e := range endpoints {
				if !c.eligible(e) {
					continue
				}
				targets = append(targets, request.Target{Namespace: ns, Name: e.Name, Domains: e.Domains})
				kept++
			}
			c.logger.Info("Endpoints discovered", "namespace", ns, "total", len(endpoints), "eligible", kept)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == len(c.cfg.Namespaces) {
		return nil, fault.Network("discovery", fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...)))
	}

	slices.SortFunc(targets, func(a, b request.Target) int { return strings.Compare(a.Key(), b.Key()) })
	return targets, nil
}

func (c *Client) eligible(e Endpoint) bool {
	if e.Name == "" {
		return false
	}
	for _, capability := range c.cfg.RequiredCapabilities {
		if !e.Capabilities[capability] {
			return false
		}
	}
	return true
}

func (c *Client) list(ctx context.Context, namespace string) ([]Endpoint, error) {
	u := c.base.JoinPath("api", "namespaces", namespace, "virtualservices")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query control plane: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out listResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Items, nil
}
