package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	authdb "github.com/gamma-omg/gatekeeper/internal/services/auth/db"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/config"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/store"
	"github.com/spf13/cobra"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the postgres schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrate(func(db *sql.DB) error { return authdb.Up(db) })
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrate(func(db *sql.DB) error { return authdb.Down(db, migrateSteps) })
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back, 0 rolls back everything")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
}

func migrate(apply func(db *sql.DB) error) error {
	cfg := config.FromEnv()
	if cfg.DB.Driver != config.DriverPostgres {
		return fmt.Errorf("migrations only apply to the postgres driver, DB_DRIVER is %q", cfg.DB.Driver)
	}

	db, err := store.NewPostgresDB(postgresConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to db: %w", err)
	}
	defer db.Close()

	if err := apply(db); err != nil {
		return err
	}

	slog.Info("migrations applied", "db", cfg.DB.Name)
	return nil
}
