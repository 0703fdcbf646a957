package output

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/request"
	"github.com/caasmo/acmefleet/session"
)

// certificateObject is the control plane's certificate payload. Both fields
// carry base64 of the PEM text.
type certificateObject struct {
	CertificateURL string `json:"certificate_url"`
	PrivateKey     string `json:"private_key,omitempty"`
}

// Pusher uploads certificates of discovered targets to the control plane.
type Pusher struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

// NewPusher returns a Pusher for endpoint. hc may be nil.
func NewPusher(endpoint, token string, hc *http.Client, logger *slog.Logger) (*Pusher, error) {
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fault.Config("push.endpoint", fmt.Errorf("invalid endpoint %q", endpoint))
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{base: base, token: token, http: hc, logger: logger.With("component", "push")}, nil
}

func (p *Pusher) Name() string { return "push" }

func (p *Pusher) Accepts(req request.CertificateRequest) bool { return !req.Destination.IsZero() }

func (p *Pusher) Deliver(ctx context.Context, req request.CertificateRequest, cert *session.Certificate) error {
	dest := req.Destination
	obj := certificateObject{
		CertificateURL: base64.StdEncoding.EncodeToString(cert.Chain()),
	}
	if len(cert.PrivateKey) > 0 {
		obj.PrivateKey = base64.StdEncoding.EncodeToString(cert.PrivateKey)
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate object: %w", err)
	}

	u := p.base.JoinPath("api", "namespaces", dest.Namespace, "certificates", dest.Name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		p.logger.Error("Failed to push certificate", "identity_key", req.Key, "destination", dest.String(), "error", err)
		return fault.Deadline(ctx, req.Key, fmt.Errorf("failed to push certificate: %w", err), fault.Network)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("control plane answered %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		p.logger.Error("Failed to push certificate", "identity_key", req.Key, "destination", dest.String(), "error", err)
		if resp.StatusCode >= 500 {
			return fault.Network(req.Key, err)
		}
		return errors.Join(fmt.Errorf("push rejected for %s", dest), err)
	}

	p.logger.Info("Certificate pushed", "identity_key", req.Key, "destination", dest.String())
	return nil
}
