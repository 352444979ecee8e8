package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb"
	"github.com/parquedb/parquedb/internal/columnar"
)

var (
	queryGet     string
	queryLimit   int
	querySkip    int
	querySort    []string
	queryColumns []string
	queryHydrate []string
	queryCount   bool
)

var queryCmd = &cobra.Command{
	Use:   "query <ns> [filter-json]",
	Short: "Query documents in a namespace",
	Long: `Query documents with a Mongo-style filter, e.g.

  parquedb query posts '{"status": "published", "views": {"$gte": 100}}'
  parquedb query posts --get p1
  parquedb query posts --count
  parquedb query posts --sort -createdAt --limit 10`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns := args[0]
		db, err := openDB(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer db.Close(cmd.Context())

		if queryGet != "" {
			doc, err := db.Get(cmd.Context(), ns, queryGet, parquedb.GetOptions{Hydrate: queryHydrate})
			if err != nil {
				return err
			}
			return printJSON(doc)
		}

		var filter map[string]any
		if len(args) == 2 {
			dec := json.NewDecoder(strings.NewReader(args[1]))
			dec.UseNumber()
			if err := dec.Decode(&filter); err != nil {
				return fmt.Errorf("parsing filter JSON: %w", err)
			}
		}

		if queryCount {
			n, err := db.Count(cmd.Context(), ns, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int64{"count": n})
			}
			fmt.Println(n)
			return nil
		}

		docs, err := db.Find(cmd.Context(), ns, filter, parquedb.FindOptions{
			Sort:    parseSort(querySort),
			Skip:    querySkip,
			Limit:   queryLimit,
			Columns: queryColumns,
			Hydrate: queryHydrate,
		})
		if err != nil {
			return err
		}
		return printJSON(docs)
	},
}

// parseSort turns ["-createdAt", "title"] into sort fields; a leading
// dash means descending.
func parseSort(fields []string) []columnar.SortField {
	var out []columnar.SortField
	for _, f := range fields {
		if name, ok := strings.CutPrefix(f, "-"); ok {
			out = append(out, columnar.SortField{Field: name, Desc: true})
			continue
		}
		out = append(out, columnar.SortField{Field: f})
	}
	return out
}

func init() {
	queryCmd.Flags().StringVar(&queryGet, "get", "", "fetch a single document by id")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "maximum documents to return")
	queryCmd.Flags().IntVar(&querySkip, "skip", 0, "documents to skip")
	queryCmd.Flags().StringSliceVar(&querySort, "sort", nil, "sort fields (prefix with - for descending)")
	queryCmd.Flags().StringSliceVar(&queryColumns, "columns", nil, "project only these columns")
	queryCmd.Flags().StringSliceVar(&queryHydrate, "hydrate", nil, "link fields to resolve inline")
	queryCmd.Flags().BoolVar(&queryCount, "count", false, "print the match count only")
	rootCmd.AddCommand(queryCmd)
}
