package main

import (
	"fmt"
	"os"

	"entitlement-api/internal/config"
	"entitlement-api/pkg/logging"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "entitlement-api",
		Short:   "Subscription entitlement service for App Store purchases",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize configuration
			if err := config.InitConfig(); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}
			// Initialize logging
			logging.InitLogging()
			return nil
		},
		RunE: runServe,
	}

	// Add subcommands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(decodeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
