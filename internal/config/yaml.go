package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileSettings is the config.yaml schema. Zero values fall back to the
// registered defaults.
type FileSettings struct {
	Root  string `yaml:"root,omitempty"`
	Actor string `yaml:"actor,omitempty"`

	Server struct {
		Addr              string `yaml:"addr,omitempty"`
		HeartbeatInterval string `yaml:"heartbeat-interval,omitempty"`
		IdleTimeout       string `yaml:"idle-timeout,omitempty"`
		MaxSubscriptions  int    `yaml:"max-subscriptions,omitempty"`
	} `yaml:"server,omitempty"`

	WAL struct {
		FlushCount    int    `yaml:"flush-count,omitempty"`
		FlushInterval string `yaml:"flush-interval,omitempty"`
	} `yaml:"wal,omitempty"`

	Engine struct {
		HydrateDepth int `yaml:"hydrate-depth,omitempty"`
		RowGroupSize int `yaml:"row-group-size,omitempty"`
	} `yaml:"engine,omitempty"`

	DefaultBranch string `yaml:"default-branch,omitempty"`
}

// WriteDefault creates .parquedb/config.yaml under dir with commented
// defaults. Existing files are left alone.
func WriteDefault(dir string) error {
	cfgDir := filepath.Join(dir, ConfigDirName)
	if err := os.MkdirAll(cfgDir, 0750); err != nil {
		return fmt.Errorf("creating %s: %w", cfgDir, err)
	}
	path := filepath.Join(cfgDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var settings FileSettings
	settings.DefaultBranch = "main"
	body, err := yaml.Marshal(&settings)
	if err != nil {
		return fmt.Errorf("marshaling defaults: %w", err)
	}
	content := "# ParqueDB configuration. Keys here override built-in defaults;\n" +
		"# PARQUEDB_* environment variables override both.\n" +
		string(body)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config.yaml: %w", err)
	}
	return nil
}

// SetYamlConfig persists a key into the project's config.yaml, updating
// existing (possibly commented-out) keys in place.
func SetYamlConfig(key, value string) error {
	dir, err := findProjectDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ConfigDirName, "config.yaml")
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config.yaml: %w", err)
	}
	newContent := updateYamlKey(string(content), key, value)
	if err := os.WriteFile(path, []byte(newContent), 0600); err != nil {
		return fmt.Errorf("writing config.yaml: %w", err)
	}
	return nil
}

// updateYamlKey updates a top-level key in yaml content, uncommenting a
// commented occurrence. Missing keys append at the end.
func updateYamlKey(content, key, value string) string {
	newLine := fmt.Sprintf("%s: %s", key, formatYamlValue(value))
	keyPattern := regexp.MustCompile(`^(\s*)(#\s*)?` + regexp.QuoteMeta(key) + `\s*:`)

	found := false
	var result []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if !found && keyPattern.MatchString(line) {
			indent := keyPattern.FindStringSubmatch(line)[1]
			result = append(result, indent+newLine)
			found = true
			continue
		}
		result = append(result, line)
	}
	if !found {
		if len(result) > 0 && result[len(result)-1] != "" {
			result = append(result, "")
		}
		result = append(result, newLine)
	}
	return strings.Join(result, "\n")
}

func formatYamlValue(value string) string {
	lower := strings.ToLower(value)
	if lower == "true" || lower == "false" {
		return lower
	}
	if isNumeric(value) || isDuration(value) {
		return value
	}
	if needsQuoting(value) {
		return fmt.Sprintf("%q", value)
	}
	return value
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c == '-' && i == 0 {
			continue
		}
		if c == '.' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isDuration(s string) bool {
	if len(s) < 2 {
		return false
	}
	suffix := s[len(s)-1]
	if suffix != 's' && suffix != 'm' && suffix != 'h' {
		return false
	}
	return isNumeric(s[:len(s)-1])
}

func needsQuoting(s string) bool {
	special := ":#[]{},&*!|>'\"%@`"
	if strings.ContainsAny(s, special) {
		return true
	}
	return strings.TrimSpace(s) != s
}
