// Package userconfig loads the user-level configuration file
// (~/.orchestrator/config.yaml) and deep-merges it over built-in
// defaults using viper, the same global-then-local layering shape as
// None9527-NGOClaw/gateway's config.Load. Resolution policy, sensitive
// globs, and per-file overrides all live here so callers never have to
// special-case "no config file present".
package userconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ResolutionPolicy tunes when and how the model-assisted resolution
// pipeline gets involved.
type ResolutionPolicy struct {
	DisableLLM            bool          `mapstructure:"disable_llm"`
	MaxFileSizeForLLM      int64         `mapstructure:"max_file_size_for_llm"`
	MaxConflictsForLLM     int           `mapstructure:"max_conflicts_for_llm"`
	TimeoutPerFile         time.Duration `mapstructure:"timeout_per_file"`
	AutoApplyThreshold     float64       `mapstructure:"auto_apply_threshold"`
}

// Config is the full user configuration schema.
type Config struct {
	SensitiveGlobs  []string          `mapstructure:"sensitive_globs"`
	GeneratedFiles  map[string]string `mapstructure:"generated_files"` // glob -> policy
	FilePolicies    map[string]string `mapstructure:"file_policies"`   // glob -> policy
	Resolution      ResolutionPolicy  `mapstructure:"resolution"`
}

// defaultSensitiveGlobs are the built-in defaults; a user file that sets
// sensitive_globs replaces this list entirely (viper merge semantics
// for slices), a user file that omits the key keeps it.
var defaultSensitiveGlobs = []string{
	"secrets/*", "*.pem", ".env*", "*.key", "*credential*",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sensitive_globs", defaultSensitiveGlobs)
	v.SetDefault("generated_files", map[string]string{})
	v.SetDefault("file_policies", map[string]string{})
	v.SetDefault("resolution.disable_llm", false)
	v.SetDefault("resolution.max_file_size_for_llm", 10*1024*1024)
	v.SetDefault("resolution.max_conflicts_for_llm", 50)
	v.SetDefault("resolution.timeout_per_file", "120s")
	v.SetDefault("resolution.auto_apply_threshold", 0.0)
}

// Load builds a Config from built-in defaults deep-merged with
// ~/.orchestrator/config.yaml (if present). A missing file is not an
// error; every other read/parse failure is.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return LoadFrom(filepath.Join(home, ".orchestrator", "config.yaml"))
}

// LoadFrom builds a Config from built-in defaults deep-merged with the
// YAML file at path, split out from Load so tests can point at a
// temporary fixture instead of the real home directory.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read user config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user config: %w", err)
	}
	return &cfg, nil
}

// IsSensitivePath reports whether path matches any configured sensitive
// glob; matching is attempted against both the full path and its base
// name so a pattern like "*.pem" matches regardless of directory depth.
func (c *Config) IsSensitivePath(path string) bool {
	for _, pattern := range c.SensitiveGlobs {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

// GeneratedPolicy returns the configured policy for path under
// generated_files, and whether any glob matched.
func (c *Config) GeneratedPolicy(path string) (string, bool) {
	return matchPolicy(c.GeneratedFiles, path)
}

// FilePolicy returns the configured policy for path under file_policies,
// which takes precedence over any default resolution strategy.
func (c *Config) FilePolicy(path string) (string, bool) {
	return matchPolicy(c.FilePolicies, path)
}

func matchPolicy(policies map[string]string, path string) (string, bool) {
	if policy, ok := policies[path]; ok {
		return policy, true
	}
	for pattern, policy := range policies {
		if ok, _ := filepath.Match(pattern, path); ok {
			return policy, true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
			return policy, true
		}
	}
	return "", false
}
