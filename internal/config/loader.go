package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, defaults and validates the configuration file at configPath.
// A directory is accepted and means <dir>/config.yaml. When a .checksums
// manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadWithOverrides loads the file and applies CLI overrides before validating
// again, so an override cannot sneak in an invalid value.
func LoadWithOverrides(configPath string, o Overrides) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	o.Apply(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfigFile parses a single config file without applying defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// verifyConfigHash checks path against a sibling .checksums manifest.
// No manifest means no verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: cdispd config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: cdispd config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.HistoryRetention == 0 {
		cfg.Service.HistoryRetention = defaults.Service.HistoryRetention
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.LockPath == "" {
		cfg.State.LockPath = filepath.Join(filepath.Dir(cfg.State.Path), "cdispd.lock")
	}

	if cfg.Profile.CacheRoot == "" {
		cfg.Profile.CacheRoot = defaults.Profile.CacheRoot
	}

	if cfg.Registry.ComponentsPath == "" {
		cfg.Registry.ComponentsPath = defaults.Registry.ComponentsPath
	}
	if cfg.Registry.PackagePrefix == "" {
		cfg.Registry.PackagePrefix = defaults.Registry.PackagePrefix
	}
	if cfg.Registry.WatchComponentPath == nil {
		cfg.Registry.WatchComponentPath = defaults.Registry.WatchComponentPath
	}
	if cfg.Registry.WatchPackagePath == nil {
		cfg.Registry.WatchPackagePath = defaults.Registry.WatchPackagePath
	}

	if cfg.Configurator.Path == "" {
		cfg.Configurator.Path = defaults.Configurator.Path
	}
	if cfg.Configurator.UseProfile == nil {
		cfg.Configurator.UseProfile = defaults.Configurator.UseProfile
	}

	if cfg.Dispatch.CheckInterval == 0 {
		cfg.Dispatch.CheckInterval = defaults.Dispatch.CheckInterval
	}
	if cfg.Dispatch.RetryPolicy == "" {
		cfg.Dispatch.RetryPolicy = defaults.Dispatch.RetryPolicy
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
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

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}
	if cfg.Service.HistoryRetention < 0 {
		return fmt.Errorf("service.history_retention must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Profile.CacheRoot == "" {
		return fmt.Errorf("profile.cache_root is required")
	}

	if !strings.HasPrefix(cfg.Registry.ComponentsPath, "/") {
		return fmt.Errorf("registry.components_path must be an absolute profile path (got %q)", cfg.Registry.ComponentsPath)
	}
	if !strings.HasPrefix(cfg.Registry.PackagePrefix, "/") {
		return fmt.Errorf("registry.package_prefix must be an absolute profile path (got %q)", cfg.Registry.PackagePrefix)
	}

	if cfg.Configurator.Path == "" {
		return fmt.Errorf("configurator.path is required")
	}
	if cfg.Configurator.Retries < 0 {
		return fmt.Errorf("configurator.retries must not be negative")
	}
	if cfg.Configurator.Timeout < 0 {
		return fmt.Errorf("configurator.timeout must not be negative")
	}
	if cfg.Configurator.MaxRuntime < 0 {
		return fmt.Errorf("configurator.max_runtime must not be negative")
	}

	if cfg.Dispatch.CheckInterval <= 0 {
		return fmt.Errorf("dispatch.check_interval must be positive")
	}
	switch cfg.Dispatch.RetryPolicy {
	case RetryRetained, RetryAllActive:
	default:
		return fmt.Errorf("dispatch.retry_policy must be %q or %q (got %q)",
			RetryRetained, RetryAllActive, cfg.Dispatch.RetryPolicy)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if envVarPattern.MatchString(tok.Token) {
				matches := envVarPattern.FindStringSubmatch(tok.Token)
				return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}
