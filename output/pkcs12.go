package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/go-acme/lego/v4/certcrypto"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/request"
	"github.com/caasmo/acmefleet/session"
)

// PKCS12 writes <dir>/<key>.p12 for requests without a push destination.
type PKCS12 struct {
	dir      string
	password string
	logger   *slog.Logger
}

// NewPKCS12 returns the packager. An empty password is rejected.
func NewPKCS12(dir, password string, logger *slog.Logger) (*PKCS12, error) {
	if dir == "" {
		return nil, fault.Config("bundle.dir", errors.New("directory is required"))
	}
	if password == "" {
		return nil, fault.Config("bundle.password", errors.New("password is required"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PKCS12{dir: dir, password: password, logger: logger.With("component", "pkcs12")}, nil
}

func (p *PKCS12) Name() string { return "pkcs12" }

func (p *PKCS12) Accepts(req request.CertificateRequest) bool { return req.Destination.IsZero() }

// Path returns the bundle location for key.
func (p *PKCS12) Path(key string) string { return filepath.Join(p.dir, FileName(key, ".p12")) }

func (p *PKCS12) Deliver(_ context.Context, req request.CertificateRequest, cert *session.Certificate) error {
	if len(cert.PrivateKey) == 0 {
		return ErrNoPrivateKey
	}
	key, err := certcrypto.ParsePEMPrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	issuers, err := cert.Issuers()
	if err != nil {
		return fmt.Errorf("failed to parse issuer chain: %w", err)
	}

	pfx, err := pkcs12.Modern.Encode(key, cert.Leaf, issuers, p.password)
	if err != nil {
		return fmt.Errorf("failed to encode pkcs12 bundle: %w", err)
	}

	path := p.Path(req.Key)
	if err := writeFileAtomic(path, pfx); err != nil {
		p.logger.Error("Failed to write pkcs12 bundle", "identity_key", req.Key, "path", path, "error", err)
		return err
	}
	p.logger.Info("PKCS12 bundle written", "identity_key", req.Key, "path", path)
	return nil
}
