package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/ui"
)

var flushCmd = &cobra.Command{
	Use:   "flush [ns]",
	Short: "Merge pending column files into committed files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		if len(args) == 1 {
			rows, err := db.Flush(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %d rows merged\n", ui.RenderPass(ui.IconPass), args[0], rows)
			return nil
		}
		if err := db.FlushAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("%s all namespaces flushed\n", ui.RenderPass(ui.IconPass))
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove commits unreachable from any ref",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		removed, err := db.GC(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s removed %d unreachable commits\n", ui.RenderPass(ui.IconPass), removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(gcCmd)
}
