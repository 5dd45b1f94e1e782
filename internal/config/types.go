package config

import "time"

// Config represents the complete ductile-worker configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Registry RegistryConfig `yaml:"registry"`
	Activity ActivityConfig `yaml:"activity"`
	Reclaim  ReclaimConfig  `yaml:"reclaim"`
	API      APIConfig      `yaml:"api"`
	Journal  JournalConfig  `yaml:"journal"`
	Domains  DomainsConfig  `yaml:"domains"`
	Events   EventsConfig   `yaml:"events"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name       string `yaml:"name"`
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

// RegistryConfig bounds the in-memory process registry.
type RegistryConfig struct {
	Capacity int `yaml:"capacity"`
}

// ActivityConfig controls idle detection.
type ActivityConfig struct {
	// ShutdownTimeout is the grace period after the last request.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Period is the minimum lifetime counted from the first request.
	Period         time.Duration `yaml:"period"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

const (
	ReclaimModeLog   = "log"
	ReclaimModeHTTP  = "http"
	ReclaimModeRedis = "redis"
)

// ReclaimConfig defines where the idle notification is sent.
type ReclaimConfig struct {
	Mode      string `yaml:"mode"`
	URL       string `yaml:"url,omitempty"`
	Secret    string `yaml:"secret,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
	Channel   string `yaml:"channel,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Listen            string        `yaml:"listen"`
	Auth              APIAuthConfig `yaml:"auth"`
	MaxConcurrentSync int           `yaml:"max_concurrent_sync"`
	MaxSyncTimeout    time.Duration `yaml:"max_sync_timeout"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// JournalConfig defines the completion journal.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

type DomainsConfig struct {
	Git   GitConfig   `yaml:"git"`
	File  FileConfig  `yaml:"file"`
	Build BuildConfig `yaml:"build"`
}

type GitConfig struct {
	Binary  string        `yaml:"binary"`
	Workdir string        `yaml:"workdir"`
	Timeout time.Duration `yaml:"timeout"`
}

type FileConfig struct {
	Root string `yaml:"root"`
}

type BuildConfig struct {
	Workdir      string        `yaml:"workdir"`
	AllowedTools []string      `yaml:"allowed_tools"`
	Timeout      time.Duration `yaml:"timeout"`
}

// EventsConfig sizes the event replay buffer.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "ductile-worker",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Registry: RegistryConfig{
			Capacity: 1000,
		},
		Activity: ActivityConfig{
			ShutdownTimeout: 15 * time.Minute,
			Period:          time.Hour,
			ReportInterval:  10 * time.Second,
		},
		Reclaim: ReclaimConfig{
			Mode:    ReclaimModeLog,
			Channel: "ductile:reclaim",
		},
		API: APIConfig{
			Enabled:           true,
			Listen:            "127.0.0.1:8080",
			MaxConcurrentSync: 8,
			MaxSyncTimeout:    5 * time.Minute,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "./data/journal.db",
			Retention: 7 * 24 * time.Hour,
		},
		Domains: DomainsConfig{
			Git: GitConfig{
				Binary:  "git",
				Workdir: "./data/workspace",
				Timeout: 10 * time.Minute,
			},
			File: FileConfig{
				Root: "./data/workspace",
			},
			Build: BuildConfig{
				Workdir:      "./data/workspace",
				AllowedTools: []string{"make", "go"},
				Timeout:      30 * time.Minute,
			},
		},
		Events: EventsConfig{
			Buffer: 256,
		},
	}
}
