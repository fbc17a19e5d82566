package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/storyboard/storyboard/pkg/lifecycle"
)

func newExportCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a consistent copy of the database",
		Long: `Write a consistent snapshot of the Storyboard database to a file.

The snapshot is taken with VACUUM INTO, so it is safe to run while the web
server is using the same database. The source file is not modified.`,
		Example: `  # Export to storyboard-export.db
  storyboard export

  # Export a specific database
  storyboard export --db /var/lib/storyboard/storyboard.db --out backup.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().
				Str("db", cfg.Database.Path).
				Str("out", outFile).
				Msg("Exporting database")

			manager, err := lifecycle.NewManager(cfg.Database.Lifecycle(), log.Logger)
			if err != nil {
				return err
			}
			if err := manager.Open(cmd.Context()); err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer manager.Close()

			n, err := manager.ExportToFile(cmd.Context(), outFile)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported %d bytes to %s\n", n, outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "storyboard-export.db", "output file")

	return cmd
}
