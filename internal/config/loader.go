package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/autotmpdir/internal/fault"
	"github.com/mattjoyce/autotmpdir/internal/job"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Resolve picks the config path: the explicit one, then $AUTOTMPDIR_CONFIG,
// then DefaultPath.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads configuration from path on top of Defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.SourcePath = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file at the default location
// yields Defaults. A missing file that was asked for explicitly is an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && path == DefaultPath && errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks the configuration and normalizes paths in place.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fault.New(fault.KindInvalidArgument, "config", "", fmt.Errorf(format, args...))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return invalid("log_level must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return invalid("log_format must be json or text (got %q)", c.LogFormat)
	}

	for _, p := range []struct {
		key   string
		value *string
		empty bool
	}{
		{"local_prefix", &c.LocalPrefix, false},
		{"shared_prefix", &c.SharedPrefix, true},
		{"export_path", &c.ExportPath, true},
		{"dev_shm_prefix", &c.DevShmPrefix, false},
	} {
		if *p.value == "" && p.empty {
			continue
		}
		if unresolved(*p.value) {
			return invalid("%s: environment variable %s is not set", p.key, *p.value)
		}
		if !filepath.IsAbs(*p.value) {
			return invalid("%s must be an absolute path (got %q)", p.key, *p.value)
		}
		*p.value = filepath.Clean(*p.value)
	}

	if c.EnvVar == "" || strings.ContainsAny(c.EnvVar, "= \t\n") {
		return invalid("env_var %q is not a valid variable name", c.EnvVar)
	}
	if _, err := c.CleanupStepID(); err != nil {
		return invalid("%v", err)
	}

	var seen []string
	for i, m := range c.Mounts {
		if !filepath.IsAbs(m) || filepath.Clean(m) == "/" {
			return invalid("mounts[%d] must be an absolute path below / (got %q)", i, m)
		}
		m = filepath.Clean(m)
		if slices.Contains(seen, m) {
			return invalid("mounts[%d] repeats %s", i, m)
		}
		seen = append(seen, m)
		c.Mounts[i] = m
	}

	if c.Ledger.Enabled && !filepath.IsAbs(c.Ledger.Path) {
		return invalid("ledger.path must be an absolute path (got %q)", c.Ledger.Path)
	}
	return nil
}

// CleanupStepID maps cleanup_step to the pseudo-step id.
func (c *Config) CleanupStepID() (uint32, error) {
	switch strings.ToLower(c.CleanupStep) {
	case "extern":
		return job.StepExtern, nil
	case "batch":
		return job.StepBatch, nil
	}
	return 0, fmt.Errorf("cleanup_step must be extern or batch (got %q)", c.CleanupStep)
}

func unresolved(v string) bool {
	return envVarPattern.MatchString(v)
}
