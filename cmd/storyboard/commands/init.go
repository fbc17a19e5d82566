package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/storyboard/storyboard/pkg/lifecycle"
	"github.com/storyboard/storyboard/pkg/stores"
)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database file and schema",
		Long: `Create the Storyboard database file and the stories table.

Running init on an existing database is safe: the table is only created when
missing, and a stories table without a created_at column gets one added.`,
		Example: `  # Create ./storyboard.db
  storyboard init

  # Create a database elsewhere
  storyboard init --db /var/lib/storyboard/storyboard.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().Str("db", cfg.Database.Path).Msg("Initializing database")

			manager, err := lifecycle.NewManager(cfg.Database.Lifecycle(), log.Logger)
			if err != nil {
				return err
			}
			if err := manager.Open(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer manager.Close()

			report, err := stores.CheckFile(cmd.Context(), manager.Path())
			if err != nil {
				return fmt.Errorf("database check failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Database ready: %s (%d stories)\n", manager.Path(), report.Stories)
			return nil
		},
	}

	return cmd
}
