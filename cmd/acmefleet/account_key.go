package main

import (
	"fmt"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/spf13/cobra"

	"github.com/caasmo/acmefleet/session"
)

// newAccountKeyCommand creates the account key for the configured directory
// ahead of the first run, so it can be backed up.
func newAccountKeyCommand() *cobra.Command {
	var (
		configPath string
		print      bool
	)
	cmd := &cobra.Command{
		Use:   "account-key",
		Short: "Create or show the stored ACME account key for the configured CA directory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			pool, db, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			dir := cfg.Account.CADirectoryURL
			logger = logger.With("directory_url", dir)
			pemData, ok, err := db.AccountKey(ctx, dir)
			if err != nil {
				return err
			}
			if !ok {
				key, err := session.GenerateAccountKey()
				if err != nil {
					return fmt.Errorf("failed to generate account key: %w", err)
				}
				pemData = certcrypto.PEMEncode(key)
				if err := db.SaveAccountKey(ctx, dir, cfg.Account.Email, pemData); err != nil {
					logger.Error("Failed to save account key", "error", err)
					return err
				}
				logger.Info("Generated new account key")
			} else {
				logger.Info("Account key already stored")
			}

			if print {
				_, err = cmd.OutOrStdout().Write(pemData)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "acmefleet.toml", "path to the TOML configuration")
	cmd.Flags().BoolVar(&print, "print", false, "write the PEM key to stdout")
	return cmd
}
