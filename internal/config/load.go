package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, applies defaults, and
// validates the result. Unknown keys are fatal: a typo silently ignored
// in a sync client's config can delete data, so strictness is the only
// safe choice.
func Load(path string) (*Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	applyDerivedDefaults(cfg, path)

	return cfg, nil
}

// LoadOrDefault reads the config file if it exists, otherwise returns a
// default Config. Supports the zero-config first run.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		applyDerivedDefaults(cfg, path)

		return cfg, nil
	}

	return Load(path)
}

// applyDerivedDefaults fills fields whose defaults depend on other
// values: the state directory defaults to the config file's directory,
// and the sync_list path defaults to a sibling of the config file.
func applyDerivedDefaults(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)

	if cfg.StateDir == "" {
		cfg.StateDir = dir
	}

	if cfg.SyncListPath == "" {
		candidate := filepath.Join(dir, "sync_list")
		if _, err := os.Stat(candidate); err == nil {
			cfg.SyncListPath = candidate
		}
	}
}

// DefaultConfigPath returns the conventional config file location,
// honoring XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.toml"
		}

		base = filepath.Join(home, ".config")
	}

	return filepath.Join(base, "odmirror", "config.toml")
}

// splitPatternList splits a "|"-separated pattern string into its parts,
// dropping empty entries. Pattern lists accept both the TOML array form
// and the legacy single-string form.
func splitPatternList(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// NormalizePatterns expands any "|"-joined entries in a pattern list so
// filters always see one pattern per element.
func NormalizePatterns(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		out = append(out, splitPatternList(p)...)
	}

	return out
}
