package dnsprovider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const defaultResolvConf = "/etc/resolv.conf"

// DNSQuerier looks up TXT records over the DNS protocol, trying each
// nameserver in order until one answers.
type DNSQuerier struct {
	nameservers []string
	client      *dns.Client
}

// NewDNSQuerier returns a querier for the given recursive nameservers
// ("ip" or "ip:port"). When none are given the system resolvers from
// /etc/resolv.conf are used.
func NewDNSQuerier(nameservers []string, timeout time.Duration) (*DNSQuerier, error) {
	if len(nameservers) == 0 {
		conf, err := dns.ClientConfigFromFile(defaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read system resolvers: %w", err)
		}
		for _, s := range conf.Servers {
			nameservers = append(nameservers, net.JoinHostPort(s, conf.Port))
		}
	}

	normalized := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		addr, err := NormalizeNameserver(ns)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, addr)
	}
	if len(normalized) == 0 {
		return nil, errors.New("no nameservers available")
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSQuerier{
		nameservers: normalized,
		client:      &dns.Client{Timeout: timeout},
	}, nil
}

// NormalizeNameserver validates ns and appends port 53 when missing.
func NormalizeNameserver(ns string) (string, error) {
	ns = strings.TrimSpace(ns)
	host, port, err := net.SplitHostPort(ns)
	if err != nil {
		host, port = strings.Trim(ns, "[]"), "53"
	}
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("invalid nameserver %q: not an IP address", ns)
	}
	return net.JoinHostPort(host, port), nil
}

// Nameservers returns the normalized nameserver addresses.
func (q *DNSQuerier) Nameservers() []string { return q.nameservers }

func (q *DNSQuerier) Query(ctx context.Context, fqdn string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(strings.ToLower(fqdn)), dns.TypeTXT)
	m.RecursionDesired = true

	var lastErr error
	for _, ns := range q.nameservers {
		in, _, err := q.client.ExchangeContext(ctx, m, ns)
		if err != nil {
			lastErr = fmt.Errorf("query %s at %s: %w", fqdn, ns, err)
			continue
		}

		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, ErrRecordNotFound
		default:
			lastErr = fmt.Errorf("query %s at %s: rcode %s", fqdn, ns, dns.RcodeToString[in.Rcode])
			continue
		}

		var values []string
		for _, rr := range in.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				values = append(values, strings.Join(txt.Txt, ""))
			}
		}
		if len(values) == 0 {
			return nil, ErrRecordNotFound
		}
		return values, nil
	}
	return nil, lastErr
}
