// ABOUTME: Shared configuration loading for the relay and agent binaries
// ABOUTME: Reads YAML or TOML by extension, expands ${ENV} references, resolves default paths

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// decodeFile reads path, expands environment references and decodes it into out.
// Files ending in .toml are TOML; everything else is YAML.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, out); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
		return nil
	}

	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDuration parses raw into *dst when raw is set, otherwise stores def.
func parseDuration(key, raw string, def time.Duration, dst *time.Duration) error {
	if raw == "" {
		*dst = def
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %q", key, raw)
	}
	*dst = d
	return nil
}

// DefaultPath returns the config file location for a binary.
// Priority: envVar > $XDG_CONFIG_HOME/dbrelay/<name> > ~/.config/dbrelay/<name>
func DefaultPath(envVar, name string) string {
	if envPath := os.Getenv(envVar); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return name
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dbrelay", name)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
