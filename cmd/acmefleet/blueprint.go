package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caasmo/acmefleet"
)

func newBlueprintCommand() *cobra.Command {
	var outputFile string
	cmd := &cobra.Command{
		Use:   "blueprint",
		Short: "Write a configuration file with example values.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := acme.NewLogger(os.Stderr, 0)

			data, err := acme.Blueprint().EncodeTOML()
			if err != nil {
				logger.Error("Failed to marshal blueprint config to TOML", "error", err)
				return err
			}
			if outputFile == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(outputFile, data, 0o600); err != nil {
				logger.Error("Failed to write blueprint config file", "path", outputFile, "error", err)
				return fmt.Errorf("failed to write blueprint config: %w", err)
			}

			logger.Info("Blueprint configuration generated", "path", outputFile)
			logger.Warn("Replace the placeholders and set secrets through ACMEFLEET_* environment variables before use")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputFile, "output", "o", "acmefleet.blueprint.toml", "output path, - for stdout")
	return cmd
}
