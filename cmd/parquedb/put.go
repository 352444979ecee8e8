package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb"
	"github.com/parquedb/parquedb/internal/ui"
)

var (
	putID     string
	putUpdate bool
	putDelete bool
)

var putCmd = &cobra.Command{
	Use:   "put <ns> [document-json]",
	Short: "Write a document to a namespace",
	Long: `Write a document to a namespace. The document is a JSON object given as an
argument or piped on stdin. With --update the JSON holds update operators
($set, $unset, $inc, $push, $pull) applied to --id; with --delete the
document identified by --id is tombstoned.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns := args[0]
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		if putDelete {
			if putID == "" {
				return fmt.Errorf("--delete requires --id")
			}
			if err := db.Delete(cmd.Context(), ns, putID); err != nil {
				return err
			}
			fmt.Printf("%s deleted %s/%s\n", ui.RenderPass(ui.IconPass), ns, putID)
			return nil
		}

		raw, err := readDocArg(args)
		if err != nil {
			return err
		}
		var doc map[string]any
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("parsing document JSON: %w", err)
		}

		if putUpdate {
			if putID == "" {
				return fmt.Errorf("--update requires --id")
			}
			if err := db.Update(cmd.Context(), ns, putID, doc); err != nil {
				return err
			}
			fmt.Printf("%s updated %s/%s\n", ui.RenderPass(ui.IconPass), ns, putID)
			return nil
		}

		id, err := db.Put(cmd.Context(), ns, putID, parquedb.Entity(doc))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]string{"id": id, "ns": ns})
		}
		fmt.Printf("%s created %s\n", ui.RenderPass(ui.IconPass), ui.RenderAccent(ns+"/"+id))
		return nil
	},
}

// readDocArg returns the document JSON from the second argument or stdin.
func readDocArg(args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading document from stdin: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no document given (pass JSON as an argument or on stdin)")
	}
	return string(data), nil
}

func init() {
	putCmd.Flags().StringVar(&putID, "id", "", "document id (generated when empty)")
	putCmd.Flags().BoolVar(&putUpdate, "update", false, "treat the JSON as update operators for --id")
	putCmd.Flags().BoolVar(&putDelete, "delete", false, "delete the document named by --id")
	rootCmd.AddCommand(putCmd)
}
