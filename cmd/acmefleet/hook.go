package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/caasmo/acmefleet"
	"github.com/caasmo/acmefleet/dnsprovider"
)

type hookEnv struct {
	Endpoint string   `env:"ACMEFLEET_HOOK_ENDPOINT,required,notEmpty"`
	Token    string   `env:"ACMEFLEET_HOOK_TOKEN,required,notEmpty"`
	Zones    []string `env:"ACMEFLEET_HOOK_ZONES,required" envSeparator:","`
	TTL      int      `env:"ACMEFLEET_HOOK_TTL" envDefault:"60"`
}

// newHookCommand exposes the record-set API backend as an external script:
//
//	acmefleet hook present|cleanup <fqdn> <token> [domain]
//
// The two argument form is what lego's exec backend passes.
func newHookCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Create or delete a DNS-01 TXT value through the control plane record-set API.",
	}
	for _, action := range []string{"present", "cleanup"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <fqdn> <token> [domain]",
			Short: action + " one TXT value",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runHook(cmd.Context(), action, args)
			},
		})
	}
	return cmd
}

func runHook(ctx context.Context, action string, args []string) error {
	level, _ := acme.ParseLevel(os.Getenv("LOG_LEVEL"))
	logger := acme.NewLogger(os.Stderr, level).With("component", "hook", "action", action)

	var cfg hookEnv
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to read hook environment: %w", err)
	}
	backend, err := dnsprovider.NewWebAPI(dnsprovider.WebAPIConfig{
		Endpoint: cfg.Endpoint,
		Token:    cfg.Token,
		Zones:    cfg.Zones,
		TTL:      cfg.TTL,
	})
	if err != nil {
		return err
	}

	rec := dnsprovider.Record{FQDN: dns01FQDN(args[0]), Value: args[1]}
	if len(args) == 3 {
		rec.Domain = args[2]
	} else {
		rec.Domain = strings.TrimSuffix(strings.TrimPrefix(rec.FQDN, "_acme-challenge."), ".")
	}
	logger = logger.With("fqdn", rec.FQDN, "domain", rec.Domain)

	switch action {
	case "present":
		err = backend.Present(ctx, rec)
	default:
		err = backend.CleanUp(ctx, rec)
	}
	if err != nil {
		logger.Error("Failed to update TXT record", "error", err)
		return err
	}
	logger.Info("TXT record updated")
	return nil
}

func dns01FQDN(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}
