package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the database position and per-namespace storage state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		head, err := db.Head(cmd.Context())
		if err != nil {
			return err
		}
		stats, err := db.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"head": head, "namespaces": stats})
		}

		if head.Type == "branch" {
			fmt.Printf("On branch %s\n", ui.BranchStyle.Render(head.Ref))
		} else {
			fmt.Printf("%s HEAD detached at %s\n", ui.RenderWarn(ui.IconWarn), ui.HashStyle.Render(ui.ShortHash(head.Ref)))
		}
		if history, err := db.History(cmd.Context(), 1); err == nil && len(history) > 0 {
			c := history[0]
			fmt.Printf("Last commit %s %s\n", ui.HashStyle.Render(ui.ShortHash(c.Hash)), ui.RenderMuted(c.Message))
		}

		fmt.Println()
		fmt.Println(ui.RenderHeader("NAMESPACES"))
		if len(stats) == 0 {
			fmt.Println(ui.RenderMuted("  (no data)"))
			return nil
		}
		for _, st := range stats {
			line := fmt.Sprintf("  %-20s %8d rows", st.Ns, st.MergedRows)
			if st.PendingFiles > 0 {
				line += ui.RenderWarn(fmt.Sprintf("  %d pending files (%d rows)", st.PendingFiles, st.PendingRows))
			}
			line += ui.RenderMuted(fmt.Sprintf("  seq %d", st.HighWater))
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
