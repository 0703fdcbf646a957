// Package request turns static configuration and discovered endpoints into
// one ordered set of certificate requests, each keyed by a stable identity.
package request

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"golang.org/x/net/idna"

	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/zone"
)

const staticPrefix = "static:"

// Destination is where a finished certificate is pushed. The zero value
// means the certificate is only kept locally.
type Destination struct {
	Namespace string
	Name      string
}

// IsZero reports whether the request has no push destination.
func (d Destination) IsZero() bool { return d.Namespace == "" && d.Name == "" }

func (d Destination) String() string {
	if d.IsZero() {
		return "none"
	}
	return d.Namespace + "/" + d.Name
}

// CertificateRequest is one logical certificate. Key is stable across runs
// and correlates a request with its stored expiry.
type CertificateRequest struct {
	Key string
	// Domains is non-empty; Domains[0] is the common name.
	Domains []string
	// Zones the domains were validated against.
	Zones       []string
	Destination Destination
	// CSR, when set, is a DER request supplied by the operator.
	CSR []byte
}

// Static is the single configured certificate.
type Static struct {
	Name    string
	Domains []string
	CSR     []byte
	// Err, when set, rejects the request without affecting the targets,
	// e.g. an unreadable CSR file.
	Err error
}

// Target is a discovered endpoint.
type Target struct {
	Namespace string
	Name      string
	Domains   []string
}

// Key returns the identity key of a discovered target.
func (t Target) Key() string { return t.Namespace + "/" + t.Name }

// Options controls validation.
type Options struct {
	Zones []string
	// Constrained requires every domain to be covered by Zones.
	Constrained bool
}

// Set is an ordered collection of requests, sorted by key.
type Set struct {
	requests []CertificateRequest
}

// All returns the requests in key order.
func (s *Set) All() []CertificateRequest { return slices.Clone(s.requests) }

// Len returns the number of requests.
func (s *Set) Len() int { return len(s.requests) }

// Keys returns the identity keys in order.
func (s *Set) Keys() []string {
	keys := make([]string, len(s.requests))
	for i, r := range s.requests {
		keys[i] = r.Key
	}
	return keys
}

// Get returns the request with the given key.
func (s *Set) Get(key string) (CertificateRequest, bool) {
	i := sort.Search(len(s.requests), func(i int) bool { return s.requests[i].Key >= key })
	if i < len(s.requests) && s.requests[i].Key == key {
		return s.requests[i], true
	}
	return CertificateRequest{}, false
}

// Rejection is a request refused at build time.
type Rejection struct {
	Key string
	Err error
}

func (r Rejection) Error() string { return fmt.Sprintf("request %s rejected: %v", r.Key, r.Err) }

func (r Rejection) Unwrap() error { return r.Err }

// Build merges the static request and the discovered targets. Requests that
// fail validation are returned as rejections and left out of the set; they
// never reach the CA. Targets without domains are skipped silently.
func Build(static *Static, targets []Target, opts Options) (*Set, []Rejection) {
	var (
		set      = &Set{}
		rejected []Rejection
		seen     = make(map[string]bool)
	)

	add := func(req CertificateRequest) {
		if seen[req.Key] {
			rejected = append(rejected, Rejection{Key: req.Key, Err: fault.Config(req.Key, errors.New("duplicate identity key"))})
			return
		}
		seen[req.Key] = true

		if err := validate(req, opts); err != nil {
			rejected = append(rejected, Rejection{Key: req.Key, Err: err})
			return
		}
		set.requests = append(set.requests, req)
	}

	if static != nil {
		key := staticPrefix + static.Name
		domains, err := NormalizeDomains(static.Domains)
		switch {
		case static.Err != nil:
			rejected = append(rejected, Rejection{Key: key, Err: static.Err})
		case err != nil:
			rejected = append(rejected, Rejection{Key: key, Err: fault.Config("certificate.domains", err)})
		case len(domains) == 0:
			rejected = append(rejected, Rejection{Key: key, Err: fault.Config("certificate.domains", errors.New("no domains configured"))})
		default:
			add(CertificateRequest{
				Key:     key,
				Domains: domains,
				Zones:   slices.Clone(opts.Zones),
				CSR:     static.CSR,
			})
		}
	}

	for _, t := range targets {
		domains, err := NormalizeDomains(t.Domains)
		if err != nil {
			rejected = append(rejected, Rejection{Key: t.Key(), Err: fault.Config(t.Key(), err)})
			continue
		}
		if len(domains) == 0 {
			continue
		}
		add(CertificateRequest{
			Key:         t.Key(),
			Domains:     domains,
			Zones:       slices.Clone(opts.Zones),
			Destination: Destination{Namespace: t.Namespace, Name: t.Name},
		})
	}

	sort.Slice(set.requests, func(i, j int) bool { return set.requests[i].Key < set.requests[j].Key })
	return set, rejected
}

func validate(req CertificateRequest, opts Options) error {
	if len(req.Domains) == 0 {
		return fault.Config(req.Key, errors.New("no domains"))
	}
	if !opts.Constrained {
		return nil
	}
	for _, d := range req.Domains {
		if !zone.Covers(d, opts.Zones) {
			return fault.Config(req.Key, fmt.Errorf("domain %s is not covered by any configured zone %v: %w", d, opts.Zones, zone.ErrNotFound))
		}
	}
	return nil
}

// NormalizeDomains lower-cases, converts to A-labels and removes duplicates
// and blanks while keeping the first occurrence order.
func NormalizeDomains(domains []string) ([]string, error) {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		n, err := NormalizeDomain(d)
		if err != nil {
			return nil, err
		}
		if n == "" || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// NormalizeDomain returns the A-label form of d. A leading wildcard label is
// kept as is.
func NormalizeDomain(d string) (string, error) {
	d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
	if d == "" {
		return "", nil
	}
	prefix := ""
	if rest, ok := strings.CutPrefix(d, "*."); ok {
		prefix, d = "*.", rest
	}
	if strings.Contains(d, "*") {
		return "", fmt.Errorf("invalid domain %q: wildcard only allowed as the leftmost label", prefix+d)
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", prefix+d, err)
	}
	return prefix + ascii, nil
}
