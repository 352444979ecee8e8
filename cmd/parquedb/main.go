// Command parquedb is the ParqueDB CLI: document writes and queries,
// commit/branch/merge over the version graph, and a subscription server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb"
	"github.com/parquedb/parquedb/internal/columnar"
	"github.com/parquedb/parquedb/internal/config"
	"github.com/parquedb/parquedb/internal/engine"
	"github.com/parquedb/parquedb/internal/subscribe"
	"github.com/parquedb/parquedb/internal/telemetry"
	"github.com/parquedb/parquedb/internal/ui"
	"github.com/parquedb/parquedb/internal/wal"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

var (
	dirFlag     string
	actorFlag   string
	jsonOutput  bool
	noColorFlag bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "parquedb",
	Short:         "Document database with columnar storage and git-style versioning",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Configure(noColorFlag)
		if dirFlag != "" {
			if err := config.InitializeAt(filepath.Dir(dirFlag)); err != nil {
				return err
			}
			config.Set(config.KeyRoot, dirFlag)
		} else if err := config.Initialize(); err != nil {
			return err
		}
		if actorFlag != "" {
			config.Set(config.KeyActor, actorFlag)
		}
		return telemetry.Init(cmd.Context(), "parquedb", version)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.Shutdown(rootCtx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "database directory (default: nearest .parquedb)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "actor recorded on writes and commits")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", false, "disable color output")
}

// databaseDir resolves the database directory from --dir or config.
func databaseDir() (string, error) {
	if dirFlag != "" {
		return dirFlag, nil
	}
	root := config.GetString(config.KeyRoot)
	if root == "" {
		root = config.ConfigDirName
	}
	if filepath.IsAbs(root) {
		return root, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, root)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		if dir == filepath.Dir(dir) {
			break
		}
	}
	// Not found anywhere up the tree; use the working directory so that
	// write commands can initialize it in place.
	return filepath.Join(cwd, root), nil
}

// openDB opens the configured database, applying tuning from config.
func openDB(ctx context.Context, watchRefs bool) (*parquedb.DB, error) {
	dir, err := databaseDir()
	if err != nil {
		return nil, err
	}
	return parquedb.Open(ctx, dir, parquedb.Options{
		Actor: config.GetString(config.KeyActor),
		WAL: wal.Options{
			FlushCount: config.GetInt(config.KeyWALFlushCount),
		},
		Engine: engine.Options{
			HydrateDepth: config.GetInt(config.KeyEngineHydrateDepth),
			Columnar: columnar.Options{
				RowGroupSize: config.GetInt(config.KeyEngineRowGroupSize),
			},
		},
		Subscriptions: subscribe.Options{
			MaxSubsPerConn:    config.GetInt(config.KeyServerMaxSubscriptions),
			HeartbeatInterval: config.GetDuration(config.KeyServerHeartbeat),
			IdleTimeout:       config.GetDuration(config.KeyServerIdleTimeout),
		},
		WatchRefs: watchRefs,
	})
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, ui.RenderFail("error: ")+err.Error())
		os.Exit(1)
	}
}
