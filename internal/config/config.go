// Package config loads ParqueDB configuration from .parquedb/config.yaml
// with PARQUEDB_* environment overrides. Precedence: Set() > env > config
// file > registered defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigDirName holds the database files and config.yaml.
const ConfigDirName = ".parquedb"

// Config keys.
const (
	KeyRoot  = "root"
	KeyActor = "actor"

	KeyServerAddr             = "server.addr"
	KeyServerHeartbeat        = "server.heartbeat-interval"
	KeyServerIdleTimeout      = "server.idle-timeout"
	KeyServerMaxSubscriptions = "server.max-subscriptions"

	KeyWALFlushCount    = "wal.flush-count"
	KeyWALFlushInterval = "wal.flush-interval"

	KeyEngineHydrateDepth = "engine.hydrate-depth"
	KeyEngineRowGroupSize = "engine.row-group-size"

	KeyMVRefreshInterval = "mv.refresh-interval"

	KeyDefaultBranch = "default-branch"
)

var v *viper.Viper

// Initialize points the package at the nearest .parquedb/config.yaml,
// walking up from the working directory. A missing config file is fine;
// defaults and environment variables still apply.
func Initialize() error {
	dir, _ := findProjectDir()
	return InitializeAt(dir)
}

// InitializeAt uses an explicit project directory (the one containing
// .parquedb). Empty dir skips the config file entirely.
func InitializeAt(dir string) error {
	nv := viper.New()
	nv.SetConfigName("config")
	nv.SetConfigType("yaml")
	nv.SetEnvPrefix("PARQUEDB")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	registerDefaults(nv)

	if dir != "" {
		nv.AddConfigPath(filepath.Join(dir, ConfigDirName))
		if err := nv.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("reading config.yaml: %w", err)
			}
		}
	}
	v = nv
	return nil
}

func registerDefaults(nv *viper.Viper) {
	nv.SetDefault(KeyRoot, ConfigDirName)
	nv.SetDefault(KeyActor, "")
	nv.SetDefault(KeyServerAddr, "127.0.0.1:8321")
	nv.SetDefault(KeyServerHeartbeat, "30s")
	nv.SetDefault(KeyServerIdleTimeout, "2m")
	nv.SetDefault(KeyServerMaxSubscriptions, 10)
	nv.SetDefault(KeyWALFlushCount, 100)
	nv.SetDefault(KeyWALFlushInterval, "5s")
	nv.SetDefault(KeyEngineHydrateDepth, 3)
	nv.SetDefault(KeyEngineRowGroupSize, 1000)
	nv.SetDefault(KeyMVRefreshInterval, "1s")
	nv.SetDefault(KeyDefaultBranch, "main")
}

// findProjectDir walks up from the working directory looking for a
// .parquedb directory.
func findProjectDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		if info, err := os.Stat(filepath.Join(dir, ConfigDirName)); err == nil && info.IsDir() {
			return dir, nil
		}
		if dir == filepath.Dir(dir) {
			return "", fmt.Errorf("no %s directory found (run 'parquedb init' first)", ConfigDirName)
		}
	}
}

// GetString returns the configured string for key, or "" before Initialize.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt returns the configured int for key.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetBool returns the configured bool for key.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetDuration returns the configured duration for key.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice returns the configured string slice for key.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// Set overrides a value in memory. Highest precedence; not persisted.
func Set(key string, value any) {
	if v != nil {
		v.Set(key, value)
	}
}

// IsSet reports whether key has a value from any source beyond defaults.
func IsSet(key string) bool {
	return v != nil && v.IsSet(key)
}
