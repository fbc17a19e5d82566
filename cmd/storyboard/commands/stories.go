package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/storyboard/storyboard/pkg/stores"
)

func newStoriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stories",
		Short: "List stories",
		Long: `List the stories in the database without modifying it.

The database is opened read-only, so this is safe to run next to a live
server.`,
		Example: `  # Table output
  storyboard stories

  # JSON output
  storyboard stories --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			opts := cfg.Database.StoreOptions()
			opts.ReadOnly = true

			db, err := stores.Open(cmd.Context(), cfg.Database.Path, opts)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			list, err := stores.NewStoryStore().List(cmd.Context(), db)
			if err != nil {
				return fmt.Errorf("failed to list stories (run storyboard init first?): %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if list == nil {
					list = []*stores.Story{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			if len(list) == 0 {
				fmt.Fprintln(out, "No stories")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tTITLE\tDESCRIPTION")
			for _, s := range list {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", s.ID, s.Status, s.Title, s.Description)
			}
			return tw.Flush()
		},
	}

	return cmd
}
