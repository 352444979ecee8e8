package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb"
	"github.com/parquedb/parquedb/internal/timeparsing"
	"github.com/parquedb/parquedb/internal/ui"
)

var (
	logLimit int
	logSince string
	logUntil string
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show commit history from HEAD, newest first",
	Long: `Show commit history. --since and --until accept RFC3339 timestamps,
dates (2026-08-24), compact durations (-2w, -6h), or natural language
("yesterday", "last monday").`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		var since, until time.Time
		var err error
		if logSince != "" {
			if since, err = timeparsing.Parse(logSince, now); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
		}
		if logUntil != "" {
			if until, err = timeparsing.Parse(logUntil, now); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
		}

		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		history, err := db.History(cmd.Context(), logLimit)
		if err != nil {
			return err
		}
		var shown []parquedb.Commit
		for _, c := range history {
			if !since.IsZero() && c.Timestamp.Before(since) {
				continue
			}
			if !until.IsZero() && c.Timestamp.After(until) {
				continue
			}
			shown = append(shown, c)
		}
		if jsonOutput {
			return printJSON(shown)
		}
		for _, c := range shown {
			fmt.Printf("%s %s\n", ui.HashStyle.Render("commit "+c.Hash), mergeBadge(c))
			if c.Author != "" {
				fmt.Printf("Author: %s\n", c.Author)
			}
			fmt.Printf("Date:   %s\n\n", c.Timestamp.Local().Format(time.RFC1123))
			fmt.Printf("    %s\n\n", c.Message)
		}
		if len(shown) == 0 {
			fmt.Println(ui.RenderMuted("no commits"))
		}
		return nil
	},
}

func mergeBadge(c parquedb.Commit) string {
	if len(c.Parents) > 1 {
		return ui.RenderMuted("(merge)")
	}
	return ""
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "maximum commits to show")
	logCmd.Flags().StringVar(&logSince, "since", "", "only commits after this time")
	logCmd.Flags().StringVar(&logUntil, "until", "", "only commits before this time")
	rootCmd.AddCommand(logCmd)
}
