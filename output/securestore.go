package output

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/caasmo/acmefleet/request"
	"github.com/caasmo/acmefleet/session"
)

// CertificateOutputScope is the secure store scope certificates are saved under.
const CertificateOutputScope = "certificate_output"

// ConfigSaver is the write side of the restinpieces SecureConfigStore.
type ConfigSaver interface {
	Save(scope string, data []byte, format string, description string) error
}

// CertificateOutput is the TOML document stored for a certificate.
type CertificateOutput struct {
	Key              string    `toml:"key"`
	Domains          []string  `toml:"domains"`
	NotAfter         time.Time `toml:"not_after"`
	CertificateChain string    `toml:"certificate_chain" comment:"PEM encoded leaf followed by the issuer chain"`
	PrivateKey       string    `toml:"private_key,omitempty" comment:"PEM encoded private key"`
}

// SecureStore saves the local certificate into the secure config store so a
// running application can load it.
type SecureStore struct {
	store  ConfigSaver
	scope  string
	logger *slog.Logger
}

// NewSecureStore panics on a nil store. An empty scope means
// CertificateOutputScope.
func NewSecureStore(store ConfigSaver, scope string, logger *slog.Logger) *SecureStore {
	if store == nil {
		panic("output.NewSecureStore: received nil store")
	}
	if scope == "" {
		scope = CertificateOutputScope
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SecureStore{store: store, scope: scope, logger: logger.With("component", "secure_store")}
}

func (s *SecureStore) Name() string { return "secure_store" }

func (s *SecureStore) Accepts(req request.CertificateRequest) bool { return req.Destination.IsZero() }

func (s *SecureStore) Deliver(_ context.Context, req request.CertificateRequest, cert *session.Certificate) error {
	out := CertificateOutput{
		Key:              req.Key,
		Domains:          cert.Domains,
		NotAfter:         cert.NotAfter.UTC(),
		CertificateChain: string(cert.Chain()),
		PrivateKey:       string(cert.PrivateKey),
	}

	data, err := toml.Marshal(out)
	if err != nil {
		s.logger.Error("Failed to marshal certificate output to TOML", "identity_key", req.Key, "error", err)
		return fmt.Errorf("failed to marshal certificate output to TOML: %w", err)
	}

	description := fmt.Sprintf("Obtained certificate for domains: %s (expires %s)",
		strings.Join(cert.Domains, ", "), cert.NotAfter.UTC().Format(time.RFC3339))

	s.logger.Info("Saving obtained certificate", "identity_key", req.Key, "scope", s.scope, "format", "toml")
	if err := s.store.Save(s.scope, data, "toml", description); err != nil {
		s.logger.Error("Failed to save certificate via SecureConfigStore", "scope", s.scope, "error", err)
		return err
	}
	return nil
}
