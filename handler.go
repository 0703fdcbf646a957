package acme

import (
	"context"
	"fmt"
	"log/slog"

	rip_db "github.com/caasmo/restinpieces/db"
	"github.com/caasmo/restinpieces/queue/executor"

	"github.com/caasmo/acmefleet/dnsprovider"
	"github.com/caasmo/acmefleet/output"
)

var _ executor.JobHandler = (*CertRenewalHandler)(nil)

// CertRenewalHandler runs one renewal batch per scheduled job and saves the
// standalone certificate into the secure config store.
type CertRenewalHandler struct {
	config            *Config
	secureConfigStore output.ConfigSaver
	registry          *dnsprovider.Registry
	opts              []RunnerOption
	logger            *slog.Logger
}

// NewCertRenewalHandler creates a new handler instance. opts are applied to
// the runner of every job.
func NewCertRenewalHandler(cfg *Config, store output.ConfigSaver, logger *slog.Logger, opts ...RunnerOption) *CertRenewalHandler {
	if cfg == nil || store == nil || logger == nil {
		panic("NewCertRenewalHandler: received nil config, store, or logger")
	}
	return &CertRenewalHandler{
		config:            cfg,
		secureConfigStore: store,
		registry:          dnsprovider.NewRegistry(),
		opts:              opts,
		logger:            logger.With("job_handler", "cert_renewal"),
	}
}

// Registry exposes the DNS backend registry so callers can add backends.
func (h *CertRenewalHandler) Registry() *dnsprovider.Registry { return h.registry }

// Handle executes the certificate renewal logic.
func (h *CertRenewalHandler) Handle(ctx context.Context, job rip_db.Job) error {
	cfg := h.config
	logger := h.logger.With("job_id", job.ID, "job_type", job.JobType)
	logger.Info("Attempting certificate renewal process", "domains", cfg.Certificate.Domains, "discovery", cfg.Discovery.Enabled)

	provider, err := NewProvider(cfg, h.registry)
	if err != nil {
		logger.Error("Failed to create DNS provider", "provider", cfg.DNS.Provider, "error", err)
		return fmt.Errorf("failed to create DNS provider: %w", err)
	}
	querier, err := NewQuerier(cfg)
	if err != nil {
		logger.Error("Failed to create DNS querier", "error", err)
		return err
	}
	discoverer, err := NewDiscoverer(cfg, logger)
	if err != nil {
		logger.Error("Failed to create discovery client", "error", err)
		return err
	}
	sinks, err := NewSinks(cfg, logger, output.NewSecureStore(h.secureConfigStore, CertificateOutputScope, logger))
	if err != nil {
		logger.Error("Failed to create certificate outputs", "error", err)
		return err
	}

	opts := []RunnerOption{WithLogger(logger), WithSinks(sinks...)}
	if querier != nil {
		opts = append(opts, WithQuerier(querier))
	}
	if discoverer != nil {
		opts = append(opts, WithDiscoverer(discoverer))
	}
	opts = append(opts, h.opts...)

	report, err := NewRunner(cfg, provider, opts...).Run(ctx)
	if err != nil {
		logger.Error("Certificate renewal job failed", "run_id", report.RunID, "failed", len(report.Failed), "error", err)
		return err
	}

	logger.Info("Successfully processed certificate renewal job", "run_id", report.RunID,
		"issued", len(report.Issued), "skipped", len(report.Skipped))
	return nil
}
