package main

import (
	"FortyAcres/internal/config"
	"FortyAcres/internal/observability"
	"FortyAcres/internal/persistence"
	"FortyAcres/internal/projection"

	"github.com/spf13/cobra"
)

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-projections",
		Short: "Rebuild the balance projection from the journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger := observability.NewLogger("rebuild")
			db, err := persistence.Open(cmd.Context(), cfg.PostgresDSN, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			return projection.RebuildProjections(cmd.Context(), db, logger)
		},
	}
}
