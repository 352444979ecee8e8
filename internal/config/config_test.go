package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	cfgDir := filepath.Join(dir, ConfigDirName)
	require.NoError(t, os.MkdirAll(cfgDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(content), 0600))
}

func TestDefaults(t *testing.T) {
	require.NoError(t, InitializeAt(""))

	require.Equal(t, "127.0.0.1:8321", GetString(KeyServerAddr))
	require.Equal(t, 10, GetInt(KeyServerMaxSubscriptions))
	require.Equal(t, 30*time.Second, GetDuration(KeyServerHeartbeat))
	require.Equal(t, 100, GetInt(KeyWALFlushCount))
	require.Equal(t, 3, GetInt(KeyEngineHydrateDepth))
	require.Equal(t, "main", GetString(KeyDefaultBranch))
}

func TestFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "default-branch: trunk\nserver:\n  addr: 0.0.0.0:9000\n  max-subscriptions: 25\n")
	require.NoError(t, InitializeAt(dir))

	require.Equal(t, "trunk", GetString(KeyDefaultBranch))
	require.Equal(t, "0.0.0.0:9000", GetString(KeyServerAddr))
	require.Equal(t, 25, GetInt(KeyServerMaxSubscriptions))
	// Untouched keys keep their defaults.
	require.Equal(t, 100, GetInt(KeyWALFlushCount))
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "actor: from-file\n")
	t.Setenv("PARQUEDB_ACTOR", "from-env")
	require.NoError(t, InitializeAt(dir))

	require.Equal(t, "from-env", GetString(KeyActor))
}

func TestSetHasHighestPrecedence(t *testing.T) {
	t.Setenv("PARQUEDB_DEFAULT_BRANCH", "env-branch")
	require.NoError(t, InitializeAt(""))
	Set(KeyDefaultBranch, "explicit")
	require.Equal(t, "explicit", GetString(KeyDefaultBranch))
}

func TestMissingConfigFileIsFine(t *testing.T) {
	require.NoError(t, InitializeAt(t.TempDir()))
	require.Equal(t, "main", GetString(KeyDefaultBranch))
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDefault(dir))

	path := filepath.Join(dir, ConfigDirName, "config.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "default-branch: main")

	// Second call leaves the existing file alone.
	require.NoError(t, os.WriteFile(path, []byte("default-branch: custom\n"), 0600))
	require.NoError(t, WriteDefault(dir))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "default-branch: custom\n", string(data))
}

func TestUpdateYamlKey(t *testing.T) {
	content := "# comment\n# default-branch: main\nactor: alice\n"

	// Uncomments and updates a commented key.
	updated := updateYamlKey(content, "default-branch", "dev")
	require.Contains(t, updated, "default-branch: dev")
	require.NotContains(t, updated, "# default-branch")

	// Updates an existing key in place.
	updated = updateYamlKey(updated, "actor", "bob")
	require.Contains(t, updated, "actor: bob")
	require.Equal(t, 1, strings.Count(updated, "actor:"))

	// Appends a missing key.
	updated = updateYamlKey(updated, "new-key", "42")
	require.True(t, strings.HasSuffix(updated, "new-key: 42"))
}

func TestFormatYamlValue(t *testing.T) {
	require.Equal(t, "true", formatYamlValue("TRUE"))
	require.Equal(t, "30s", formatYamlValue("30s"))
	require.Equal(t, "-1.5", formatYamlValue("-1.5"))
	require.Equal(t, `"a: b"`, formatYamlValue("a: b"))
	require.Equal(t, "plain", formatYamlValue("plain"))
}
