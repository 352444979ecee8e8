package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/config"
	"github.com/parquedb/parquedb/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a database in the current directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		if err := config.WriteDefault(cwd); err != nil {
			return err
		}
		dir := filepath.Join(cwd, config.ConfigDirName)
		// Open once so the directory skeleton and WAL index exist.
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		if err := db.Close(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("%s initialized database at %s\n", ui.RenderPass(ui.IconPass), ui.RenderAccent(dir))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
