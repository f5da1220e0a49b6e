package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"laminar/internal/config"
	"laminar/internal/observability"
	"laminar/internal/persistence"
	"laminar/internal/projection"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the laminar Postgres schema",
		Long:         "Applies and rolls back SQL migrations. Connection settings come from the laminard config (postgres.dsn, postgres.migrations_dir).",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file (LAMINAR_* env vars override it)")

	withMigrator := func(fn func(ctx context.Context, db *sql.DB, m *persistence.Migrator, logger zerolog.Logger) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.Log.Level))

			db, err := sql.Open("postgres", cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			return fn(ctx, db, persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger), logger)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, _ *sql.DB, m *persistence.Migrator, logger zerolog.Logger) error {
				if err := m.Up(ctx); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Msg("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, _ *sql.DB, m *persistence.Migrator, logger zerolog.Logger) error {
				if err := m.Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(ctx context.Context, _ *sql.DB, m *persistence.Migrator, _ zerolog.Logger) error {
					applied, pending, err := m.Status(ctx)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					for _, f := range applied {
						fmt.Fprintf(out, "applied  %s\n", f)
					}
					for _, f := range pending {
						fmt.Fprintf(out, "pending  %s\n", f)
					}
					return nil
				})(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "rebuild-projections",
			Short: "Rebuild the projection tables from the event log",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, db *sql.DB, m *persistence.Migrator, logger zerolog.Logger) error {
				if err := m.Up(ctx); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				return projection.RebuildProjections(ctx, db, logger)
			}),
		},
	)
	return root
}
