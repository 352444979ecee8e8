package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/ui"
)

var branchDelete bool

var branchCmd = &cobra.Command{
	Use:   "branch [name]",
	Short: "List branches, or create one at the current HEAD",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		if len(args) == 0 {
			branches, err := db.Branches(cmd.Context())
			if err != nil {
				return err
			}
			head, err := db.Head(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"branches": branches, "head": head})
			}
			for _, b := range branches {
				if head.Type == "branch" && b == head.Ref {
					fmt.Printf("* %s\n", ui.BranchStyle.Render(b))
					continue
				}
				fmt.Printf("  %s\n", b)
			}
			if head.Type == "detached" {
				fmt.Printf("%s HEAD detached at %s\n", ui.RenderWarn(ui.IconWarn), ui.HashStyle.Render(ui.ShortHash(head.Ref)))
			}
			return nil
		}

		name := args[0]
		if branchDelete {
			if err := db.DeleteBranch(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Printf("%s deleted branch %s\n", ui.RenderPass(ui.IconPass), name)
			return nil
		}
		if err := db.Branch(cmd.Context(), name); err != nil {
			return err
		}
		fmt.Printf("%s created branch %s\n", ui.RenderPass(ui.IconPass), ui.BranchStyle.Render(name))
		return nil
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <branch>",
	Short: "Attach HEAD to a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		if err := db.Checkout(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s switched to branch %s\n", ui.RenderPass(ui.IconPass), ui.BranchStyle.Render(args[0]))
		return nil
	},
}

func init() {
	branchCmd.Flags().BoolVarP(&branchDelete, "delete", "d", false, "delete the named branch")
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(checkoutCmd)
}
