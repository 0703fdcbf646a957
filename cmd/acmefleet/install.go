package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/caasmo/restinpieces"
	"github.com/caasmo/restinpieces/config"
	dbz "github.com/caasmo/restinpieces/db/zombiezen"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/caasmo/acmefleet"
	"github.com/caasmo/acmefleet/output"
)

// newInstallCommand copies the latest certificate saved by the scheduler
// into the restinpieces application configuration.
func newInstallCommand() *cobra.Command {
	var dbPath, ageKeyPath string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the latest stored certificate into the application's TLS configuration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return installCertificate(dbPath, ageKeyPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "dbpath", "", "path to the SQLite database file")
	cmd.Flags().StringVar(&ageKeyPath, "age-key", "", "path to the age identity file")
	_ = cmd.MarkFlagRequired("dbpath")
	_ = cmd.MarkFlagRequired("age-key")
	return cmd
}

func installCertificate(dbPath, ageKeyPath string) error {
	logger := acme.NewLogger(os.Stderr, 0)

	pool, err := restinpieces.NewZombiezenPool(dbPath)
	if err != nil {
		logger.Error("Failed to create database pool", "db_path", dbPath, "error", err)
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("Failed to close database pool", "error", err)
		}
	}()

	dbImpl, err := dbz.New(pool)
	if err != nil {
		return fmt.Errorf("failed to instantiate zombiezen db from pool: %w", err)
	}
	secureCfg, err := config.NewSecureStoreAge(dbImpl, ageKeyPath)
	if err != nil {
		logger.Error("Failed to instantiate secure store", "age_key_path", ageKeyPath, "error", err)
		return err
	}

	// --- Latest certificate ---
	certData, _, err := secureCfg.Get(acme.CertificateOutputScope, 0)
	if err != nil {
		return fmt.Errorf("failed to load certificate from scope %s: %w", acme.CertificateOutputScope, err)
	}
	if len(certData) == 0 {
		return fmt.Errorf("no certificate found in scope %s", acme.CertificateOutputScope)
	}
	var cert output.CertificateOutput
	if err := toml.Unmarshal(certData, &cert); err != nil {
		return fmt.Errorf("failed to unmarshal certificate: %w", err)
	}
	if cert.PrivateKey == "" {
		return errors.New("stored certificate has no private key; it was issued from an external CSR")
	}
	logger.Info("Loaded certificate", "identity_key", cert.Key, "not_after", cert.NotAfter)

	// --- Application config ---
	appData, format, err := secureCfg.Get(config.ScopeApplication, 0)
	if err != nil {
		return fmt.Errorf("failed to load application config: %w", err)
	}
	if len(appData) == 0 {
		return fmt.Errorf("no application config found in scope %s", config.ScopeApplication)
	}
	if format != "toml" {
		return fmt.Errorf("application config has format %q, want toml", format)
	}
	var appCfg config.Config
	if err := toml.Unmarshal(appData, &appCfg); err != nil {
		return fmt.Errorf("failed to unmarshal application config: %w", err)
	}

	appCfg.Server.CertData = cert.CertificateChain
	appCfg.Server.KeyData = cert.PrivateKey

	updated, err := toml.Marshal(appCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal application config: %w", err)
	}
	description := fmt.Sprintf("TLS certificate %s (expires %s)", cert.Key, cert.NotAfter.Format("2006-01-02"))
	if err := secureCfg.Save(config.ScopeApplication, updated, "toml", description); err != nil {
		logger.Error("Failed to save application config", "scope", config.ScopeApplication, "error", err)
		return err
	}

	logger.Info("Installed certificate into application config", "identity_key", cert.Key)
	return nil
}
