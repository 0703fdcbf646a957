package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/caasmo/restinpieces"

	"github.com/caasmo/acmefleet"
	"github.com/caasmo/acmefleet/zombiezen"
)

func main() {
	dbPath := flag.String("db", "", "Path to the SQLite DB (used by framework AND certificate history)")
	ageKeyPath := flag.String("age-key", "", "Path to the age identity (private key) file (required)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -db <db-path> -age-key <id-path>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Start the restinpieces application server with scheduled certificate renewal.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *dbPath == "" || *ageKeyPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	// --- Database pool, shared by the framework and the certificate store ---
	dbPool, err := restinpieces.NewZombiezenPool(*dbPath)
	if err != nil {
		slog.Error("failed to create database pool", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		slog.Info("Closing database pool...")
		if err := dbPool.Close(); err != nil {
			slog.Error("Error closing database pool", "error", err)
		}
	}()

	app, srv, err := restinpieces.New(
		restinpieces.WithZombiezenPool(dbPool),
		restinpieces.WithAgeKeyPath(*ageKeyPath),
	)
	if err != nil {
		slog.Error("failed to initialize restinpieces application", "error", err)
		os.Exit(1)
	}
	logger := app.Logger()

	// --- Renewal config from the secure config store ---
	logger.Info("Loading ACME configuration from database", "scope", acme.ConfigScope)
	tomlData, _, err := app.ConfigStore().Get(acme.ConfigScope, 0)
	if err != nil {
		logger.Error("failed to load ACME config from DB", "scope", acme.ConfigScope, "error", err)
		os.Exit(1)
	}
	if len(tomlData) == 0 {
		logger.Error("ACME config data loaded from DB is empty", "scope", acme.ConfigScope)
		os.Exit(1)
	}
	cfg, err := acme.DecodeConfig(tomlData)
	if err != nil {
		logger.Error("failed to decode ACME config", "scope", acme.ConfigScope, "error", err)
		os.Exit(1)
	}

	// Certificate history and account keys live next to the framework tables.
	// The secure config store already encrypts the certificate output.
	store := zombiezen.New(dbPool)
	if err := store.Migrate(context.Background()); err != nil {
		logger.Error("failed to migrate certificate store", "error", err)
		os.Exit(1)
	}

	certHandler := acme.NewCertRenewalHandler(cfg, app.ConfigStore(), logger,
		acme.WithStore(store),
		acme.WithAccountKeyStore(store),
		acme.WithMetrics(acme.NewMetrics()),
	)

	if err := srv.AddJobHandler(acme.JobTypeCertRenewal, certHandler); err != nil {
		logger.Error("Failed to register certificate renewal job handler", "job_type", acme.JobTypeCertRenewal, "error", err)
		os.Exit(1)
	}
	logger.Info("Registered certificate renewal job handler", "job_type", acme.JobTypeCertRenewal)

	// Run blocks until the server stops.
	srv.Run()

	slog.Info("Server shut down gracefully.")
}
