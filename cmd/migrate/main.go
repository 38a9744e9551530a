package main

import (
	"fmt"
	"os"

	"FortyAcres/internal/config"
	"FortyAcres/internal/observability"
	"FortyAcres/internal/persistence"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back the ledger's SQL migrations",
		SilenceUsage: true,
		Long: "Reads the DSN and migrations directory from the config file,\n" +
			"overridable with ACRES_POSTGRES_DSN and ACRES_MIGRATIONS_DIR.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "fortyacres.toml", "path to the TOML config file")

	withMigrator := func(fn func(cmd *cobra.Command, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger("migrate")
			db, err := persistence.Open(cmd.Context(), cfg.PostgresDSN, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd, persistence.NewMigrator(db, cfg.MigrationsDir, logger))
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(cmd *cobra.Command, m *persistence.Migrator) error {
				return m.Up(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: withMigrator(func(cmd *cobra.Command, m *persistence.Migrator) error {
				return m.Down(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations not yet applied",
			RunE: withMigrator(func(cmd *cobra.Command, m *persistence.Migrator) error {
				pending, err := m.Pending(cmd.Context())
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "up to date")
					return nil
				}
				for _, f := range pending {
					fmt.Fprintln(cmd.OutOrStdout(), "pending", f)
				}
				return nil
			}),
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
