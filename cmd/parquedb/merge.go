package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb"
	"github.com/parquedb/parquedb/internal/ui"
	"github.com/parquedb/parquedb/internal/vcs"
)

var (
	mergeStrategy string
	mergeAuto     bool
	mergeDryRun   bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge <source-branch>",
	Short: "Merge a branch into the current branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		res, err := db.Merge(cmd.Context(), args[0], parquedb.MergeOptions{
			Strategy:             vcs.MergeStrategy(mergeStrategy),
			AutoMergeCommutative: mergeAuto,
			DryRun:               mergeDryRun,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		if mergeDryRun {
			fmt.Printf("%s dry run: %d event conflicts\n", ui.RenderAccent(ui.IconInfo), len(res.Events.Conflicts))
			return nil
		}
		if !res.Events.Success {
			fmt.Printf("%s merge left %d unresolved conflicts\n", ui.RenderFail(ui.IconFail), len(res.Events.Conflicts))
			for _, c := range res.Events.Conflicts {
				fmt.Printf("  %s %s\n", ui.RenderWarn(ui.IconWarn), c.Target)
			}
			return fmt.Errorf("merge of %s failed", args[0])
		}
		fmt.Printf("%s merged %s into %s [%s]\n",
			ui.RenderPass(ui.IconPass),
			ui.BranchStyle.Render(args[0]),
			ui.BranchStyle.Render(currentBranch(cmd, db)),
			ui.HashStyle.Render(ui.ShortHash(res.Commit.Hash)))
		return nil
	},
}

func currentBranch(cmd *cobra.Command, db *parquedb.DB) string {
	head, err := db.Head(cmd.Context())
	if err != nil {
		return "HEAD"
	}
	return head.Ref
}

func init() {
	mergeCmd.Flags().StringVar(&mergeStrategy, "strategy", "", "conflict strategy (ours, theirs, manual)")
	mergeCmd.Flags().BoolVar(&mergeAuto, "auto", true, "auto-merge commutative update conflicts")
	mergeCmd.Flags().BoolVar(&mergeDryRun, "dry-run", false, "report conflicts without committing")
	rootCmd.AddCommand(mergeCmd)
}
