package main

import (
	"fmt"

	"entitlement-api/internal/config"
	"entitlement-api/internal/database"
	"entitlement-api/pkg/logging"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Open(config.AppConfig)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			if err := database.AutoMigrate(db); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			logging.Infof("Database schema is up to date")
			return nil
		},
	}
}
