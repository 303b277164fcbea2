package main

import (
	"github.com/bissquit/devops-guardian/internal/pkg/postgres"
	"github.com/spf13/cobra"
)

var migrationsPath string

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrationsPath, "path", "", "migrations directory (defaults to database.migrations_path)")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runMigrate(true)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runMigrate(false)
	},
}

func runMigrate(up bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := migrationsPath
	if dir == "" {
		dir = cfg.Database.MigrationsPath
	}
	return postgres.Migrate(cfg.Database.URL.Value(), dir, up)
}
