package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"filippo.io/age"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caasmo/acmefleet"
	"github.com/caasmo/acmefleet/zombiezen"
)

func newRunCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one renewal batch and exit non-zero if any certificate failed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "acmefleet.toml", "path to the TOML configuration")
	return cmd
}

// loadConfig reads the configuration and builds the logger it asks for.
func loadConfig(path string) (*acme.Config, *slog.Logger, error) {
	cfg, err := acme.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	level, err := acme.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log.level: %w", err)
	}
	return cfg, acme.NewLogger(os.Stderr, level), nil
}

// openStore opens the certificate and account store, encrypting private keys
// when an age identity is configured. The caller closes the pool.
func openStore(ctx context.Context, cfg *acme.Config, logger *slog.Logger) (*sqlitex.Pool, *zombiezen.Db, error) {
	var opts []zombiezen.Option
	if cfg.Store.AgeIdentityFile != "" {
		id, err := readAgeIdentity(cfg.Store.AgeIdentityFile)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, zombiezen.WithAgeIdentity(id))
	}

	logger.Debug("Opening store", "path", cfg.Store.Path, "encrypted", len(opts) > 0)
	pool, err := zombiezen.NewPool(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	db := zombiezen.New(pool, opts...)
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, db, nil
}

func readAgeIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open age identity file: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse age identity file %s: %w", path, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

func runBatch(ctx context.Context, out io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	pool, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", "path", cfg.Store.Path, "error", err)
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("Failed to close database pool", "error", err)
		}
	}()

	provider, err := acme.NewProvider(cfg, nil)
	if err != nil {
		return err
	}
	querier, err := acme.NewQuerier(cfg)
	if err != nil {
		return err
	}
	discoverer, err := acme.NewDiscoverer(cfg, logger)
	if err != nil {
		return err
	}
	sinks, err := acme.NewSinks(cfg, logger)
	if err != nil {
		return err
	}

	opts := []acme.RunnerOption{
		acme.WithStore(db),
		acme.WithAccountKeyStore(db),
		acme.WithSinks(sinks...),
		acme.WithMetrics(acme.NewMetrics()),
		acme.WithLogger(logger),
	}
	if querier != nil {
		opts = append(opts, acme.WithQuerier(querier))
	}
	if discoverer != nil {
		opts = append(opts, acme.WithDiscoverer(discoverer))
	}

	report, err := acme.NewRunner(cfg, provider, opts...).Run(ctx)
	printReport(out, report)
	return err
}

func printReport(w io.Writer, r *acme.Report) {
	for _, o := range r.Issued {
		fmt.Fprintf(w, "issued\t%s\t%s\texpires %s\n", o.Key, o.Reason, humanize.Time(o.NotAfter))
	}
	for _, o := range r.Skipped {
		fmt.Fprintf(w, "skipped\t%s\t%s\texpires %s\n", o.Key, o.Reason, humanize.Time(o.NotAfter))
	}
	for _, o := range r.Failed {
		fmt.Fprintf(w, "failed\t%s\t%v\n", o.Key, o.Err)
	}
}
