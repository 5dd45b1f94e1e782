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

// Load reads, interpolates, defaults and validates a configuration file.
// Keys absent from the file keep their Defaults() value.
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

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfig finds the config file by checking standard locations.
// Priority order: $DUCTILE_WORKER_CONFIG, ~/.config/ductile-worker/config.yaml,
// /etc/ductile-worker/config.yaml, ./config.yaml.
func DiscoverConfig() (string, error) {
	if p := os.Getenv("DUCTILE_WORKER_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	candidates := []string{}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "ductile-worker", "config.yaml"))
	}
	candidates = append(candidates, "/etc/ductile-worker/config.yaml", "./config.yaml")
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $DUCTILE_WORKER_CONFIG, %s)", strings.Join(candidates, ", "))
}

// applyConfigDefaults fills values an explicit zero in the file would
// otherwise leave unusable.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.InstanceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Service.InstanceID = host
		} else {
			cfg.Service.InstanceID = cfg.Service.Name
		}
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Activity.ReportInterval == 0 {
		cfg.Activity.ReportInterval = defaults.Activity.ReportInterval
	}
	if cfg.Reclaim.Mode == "" {
		cfg.Reclaim.Mode = defaults.Reclaim.Mode
	}
	if cfg.Reclaim.Channel == "" {
		cfg.Reclaim.Channel = defaults.Reclaim.Channel
	}
	if cfg.API.MaxConcurrentSync == 0 {
		cfg.API.MaxConcurrentSync = defaults.API.MaxConcurrentSync
	}
	if cfg.API.MaxSyncTimeout == 0 {
		cfg.API.MaxSyncTimeout = defaults.API.MaxSyncTimeout
	}
	if cfg.Domains.Git.Binary == "" {
		cfg.Domains.Git.Binary = defaults.Domains.Git.Binary
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = defaults.Events.Buffer
	}
	return cfg
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Registry.Capacity <= 0 {
		return fmt.Errorf("registry.capacity must be positive")
	}

	if cfg.Activity.ShutdownTimeout <= 0 {
		return fmt.Errorf("activity.shutdown_timeout must be positive")
	}
	if cfg.Activity.Period <= 0 {
		return fmt.Errorf("activity.period must be positive")
	}
	if cfg.Activity.ReportInterval <= 0 {
		return fmt.Errorf("activity.report_interval must be positive")
	}

	switch cfg.Reclaim.Mode {
	case ReclaimModeLog:
	case ReclaimModeHTTP:
		if cfg.Reclaim.URL == "" {
			return fmt.Errorf("reclaim.url is required for mode %q", ReclaimModeHTTP)
		}
		if err := checkUnresolved("reclaim.secret", cfg.Reclaim.Secret); err != nil {
			return err
		}
	case ReclaimModeRedis:
		if cfg.Reclaim.RedisAddr == "" {
			return fmt.Errorf("reclaim.redis_addr is required for mode %q", ReclaimModeRedis)
		}
	default:
		return fmt.Errorf("reclaim.mode must be one of: log, http, redis (got %q)", cfg.Reclaim.Mode)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkUnresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
		}
		if cfg.API.MaxConcurrentSync < 0 {
			return fmt.Errorf("api.max_concurrent_sync must not be negative")
		}
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}

	if cfg.Domains.Git.Workdir == "" {
		return fmt.Errorf("domains.git.workdir is required")
	}
	if cfg.Domains.File.Root == "" {
		return fmt.Errorf("domains.file.root is required")
	}
	if cfg.Domains.Build.Workdir == "" {
		return fmt.Errorf("domains.build.workdir is required")
	}
	for i, tool := range cfg.Domains.Build.AllowedTools {
		if tool == "" || strings.ContainsAny(tool, `/\`) {
			return fmt.Errorf("domains.build.allowed_tools[%d] must be a bare command name (got %q)", i, tool)
		}
	}

	if cfg.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must not be negative")
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
