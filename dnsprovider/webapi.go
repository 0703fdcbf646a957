package dnsprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/goccy/go-json"

	"github.com/caasmo/acmefleet/zone"
)

// NameWebAPI selects the control plane's token-authenticated DNS API.
const NameWebAPI = "webapi"

const defaultWebAPITTL = 60

// errConflict marks a lost optimistic-concurrency race; the update is retried.
var errConflict = errors.New("webapi: record set changed concurrently")

// ErrMissingETag is returned when the API serves an existing record set
// without an ETag. Such a set is never written back unconditionally.
var ErrMissingETag = errors.New("webapi: existing record set has no ETag")

// WebAPIConfig configures the WebAPI backend.
type WebAPIConfig struct {
	// Endpoint is the API base URL, e.g. https://controller.example.net.
	Endpoint string
	// Token is sent as a bearer token.
	Token string
	// Zones are the zones the token may write. A record without a zone is
	// matched to the longest zone suffix.
	Zones []string
	TTL   int
	// MaxElapsed bounds the retry-on-conflict loop of a single update.
	MaxElapsed time.Duration
	HTTPClient *http.Client
}

// WebAPI writes TXT record sets through the control plane's HTTP API:
//
//	GET    {endpoint}/api/zones/{zone}/recordsets/{name}/TXT
//	PUT    {endpoint}/api/zones/{zone}/recordsets/{name}/TXT
//	DELETE {endpoint}/api/zones/{zone}/recordsets/{name}/TXT
//
// Updates are read-modify-write guarded by ETag preconditions, so two runs
// merging into the same name never overwrite each other's value.
type WebAPI struct {
	cfg    WebAPIConfig
	client *http.Client
}

type recordSet struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	TTL     int      `json:"ttl"`
	Records []string `json:"records"`
}

// NewWebAPI validates cfg and returns the backend.
func NewWebAPI(cfg WebAPIConfig) (*WebAPI, error) {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Endpoint == "" {
		return nil, errors.New("webapi: endpoint is required")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("webapi: invalid endpoint: %w", err)
	}
	if cfg.Token == "" {
		return nil, errors.New("webapi: token is required")
	}
	if len(cfg.Zones) == 0 {
		return nil, errors.New("webapi: at least one zone is required")
	}
	if err := zone.Validate(cfg.Zones); err != nil {
		return nil, fmt.Errorf("webapi: %w", err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultWebAPITTL
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebAPI{cfg: cfg, client: client}, nil
}

// NewWebAPIFromSettings reads endpoint, token, zones (comma separated) and ttl.
func NewWebAPIFromSettings(s Settings) (*WebAPI, error) {
	cfg := WebAPIConfig{
		Endpoint: s.Get("endpoint"),
		Token:    s.Get("token"),
		Zones:    s.List("zones"),
	}
	if raw := s.Get("ttl"); raw != "" {
		ttl, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("webapi: invalid ttl %q: %w", raw, err)
		}
		cfg.TTL = ttl
	}
	return NewWebAPI(cfg)
}

// Zones returns the configured zones.
func (w *WebAPI) Zones() []string { return w.cfg.Zones }

func (w *WebAPI) Present(ctx context.Context, rec Record) error {
	return w.update(ctx, rec, func(values []string) ([]string, bool) {
		return mergeValue(values, rec.Value)
	})
}

func (w *WebAPI) CleanUp(ctx context.Context, rec Record) error {
	return w.update(ctx, rec, func(values []string) ([]string, bool) {
		return removeValue(values, rec.Value)
	})
}

func (w *WebAPI) Query(ctx context.Context, fqdn string) ([]string, error) {
	z, err := zone.Resolve(fqdn, w.cfg.Zones)
	if err != nil {
		return nil, err
	}
	set, _, err := w.get(ctx, z, fqdn)
	if err != nil {
		return nil, err
	}
	if set == nil || len(set.Records) == 0 {
		return nil, ErrRecordNotFound
	}
	return set.Records, nil
}

func (w *WebAPI) update(ctx context.Context, rec Record, mutate func([]string) ([]string, bool)) error {
	z := rec.Zone
	if z == "" {
		var err error
		if z, err = zone.Resolve(rec.FQDN, w.cfg.Zones); err != nil {
			return err
		}
	}

	op := func() error {
		set, etag, err := w.get(ctx, z, rec.FQDN)
		if err != nil {
			return backoff.Permanent(err)
		}

		var current []string
		if set != nil {
			if etag == "" {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrMissingETag, rec.FQDN))
			}
			current = set.Records
		}
		next, changed := mutate(current)
		if !changed {
			return nil
		}

		if len(next) == 0 {
			err = w.delete(ctx, z, rec.FQDN, etag)
		} else {
			err = w.put(ctx, z, rec.FQDN, next, etag, set == nil)
		}
		if errors.Is(err, errConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = w.cfg.MaxElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (w *WebAPI) recordSetURL(z, fqdn string) string {
	return fmt.Sprintf("%s/api/zones/%s/recordsets/%s/TXT",
		w.cfg.Endpoint, url.PathEscape(z), url.PathEscape(dns01.UnFqdn(strings.ToLower(fqdn))))
}

func (w *WebAPI) get(ctx context.Context, z, fqdn string) (*recordSet, string, error) {
	req, err := w.newRequest(ctx, http.MethodGet, w.recordSetURL(z, fqdn), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("webapi: get %s: %w", fqdn, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, "", nil
	default:
		return nil, "", statusError("get", fqdn, resp)
	}

	var set recordSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, "", fmt.Errorf("webapi: decode %s: %w", fqdn, err)
	}
	return &set, resp.Header.Get("ETag"), nil
}

func (w *WebAPI) put(ctx context.Context, z, fqdn string, values []string, etag string, create bool) error {
	body, err := json.Marshal(recordSet{
		Name:    dns01.UnFqdn(strings.ToLower(fqdn)),
		Type:    "TXT",
		TTL:     w.cfg.TTL,
		Records: values,
	})
	if err != nil {
		return err
	}

	req, err := w.newRequest(ctx, http.MethodPut, w.recordSetURL(z, fqdn), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if create {
		req.Header.Set("If-None-Match", "*")
	} else {
		req.Header.Set("If-Match", etag)
	}
	return w.do(req, "put", fqdn)
}

func (w *WebAPI) delete(ctx context.Context, z, fqdn, etag string) error {
	req, err := w.newRequest(ctx, http.MethodDelete, w.recordSetURL(z, fqdn), nil)
	if err != nil {
		return err
	}
	req.Header.Set("If-Match", etag)
	return w.do(req, "delete", fqdn)
}

func (w *WebAPI) do(req *http.Request, op, fqdn string) error {
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webapi: %s %s: %w", op, fqdn, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed, resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return errConflict
	case resp.StatusCode == http.StatusNotFound && req.Method == http.MethodDelete:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return statusError(op, fqdn, resp)
	}
}

func (w *WebAPI) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("webapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func statusError(op, fqdn string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("webapi: %s %s: unexpected status %d: %s", op, fqdn, resp.StatusCode, strings.TrimSpace(string(msg)))
}
