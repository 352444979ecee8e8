package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/ui"
)

var commitMessage string

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Flush pending state and record a commit on the current branch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if commitMessage == "" {
			return fmt.Errorf("a commit message is required (-m)")
		}
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		c, err := db.Commit(cmd.Context(), commitMessage)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(c)
		}
		head, _ := db.Head(cmd.Context())
		fmt.Printf("%s [%s %s] %s\n",
			ui.RenderPass(ui.IconPass),
			ui.BranchStyle.Render(head.Ref),
			ui.HashStyle.Render(ui.ShortHash(c.Hash)),
			c.Message)
		return nil
	},
}

func init() {
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	rootCmd.AddCommand(commitCmd)
}
