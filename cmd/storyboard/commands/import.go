package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/storyboard/storyboard/pkg/lifecycle"
	"github.com/storyboard/storyboard/pkg/stores"
)

func newImportCommand() *cobra.Command {
	var (
		fromFile string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the database with another database file",
		Long: `Replace the Storyboard database with another database file.

WARNING: This replaces every story in the current database.

The replacement is checked first: it must be a readable SQLite database with
a stories table. The previous file is kept next to the database as
<path>.bak. Stop the web server first or use its upload endpoint instead,
since a running server keeps using the file it opened.`,
		Example: `  # Replace from an export
  storyboard import --from backup.db

  # Skip the confirmation prompt
  storyboard import --from backup.db --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().
				Str("db", cfg.Database.Path).
				Str("from", fromFile).
				Bool("force", force).
				Msg("Importing database")

			report, err := stores.CheckFile(cmd.Context(), fromFile)
			if err != nil {
				return fmt.Errorf("refusing to import %s: %w", fromFile, err)
			}

			if !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Replace %s with %s (%d stories)? [y/N] ", cfg.Database.Path, fromFile, report.Stories)
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
					return nil
				}
			}

			manager, err := lifecycle.NewManager(cfg.Database.Lifecycle(), log.Logger)
			if err != nil {
				return err
			}
			if err := manager.Open(cmd.Context()); err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer manager.Close()

			res, err := manager.ReplaceFromFile(cmd.Context(), fromFile)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %d stories into %s\n", res.Stories, cfg.Database.Path)
			if res.Backup != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  previous database kept at %s\n", res.Backup)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fromFile, "from", "", "database file to import")
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation prompt")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}
