// Package config provides configuration management for Agentdesk.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agentdesk.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded SQLite database configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file path. Supports ~ expansion.
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorktreeConfig holds Git worktree configuration for isolated task execution.
type WorktreeConfig struct {
	// BranchPrefix is the prefix for generated worktree branches (default: agentdesk/)
	BranchPrefix string `mapstructure:"branchPrefix"`
	// DirName is the sibling folder (next to the main repo) holding worktrees
	// (default: .worktrees)
	DirName string `mapstructure:"dirName"`
	// CopyConfigFiles lists project-level config files copied into new
	// worktrees when present (e.g. .env, local settings).
	CopyConfigFiles []string `mapstructure:"copyConfigFiles"`
}

// ExecutionConfig holds task execution manager configuration.
type ExecutionConfig struct {
	// MaxConcurrent caps concurrently running task executions (default: 10)
	MaxConcurrent int `mapstructure:"maxConcurrent"`
	// HardTimeoutMinutes is the per-execution ceiling (default: 10)
	HardTimeoutMinutes int `mapstructure:"hardTimeoutMinutes"`
	// PollIntervalMS is the executor's completion poll interval (default: 100)
	PollIntervalMS int `mapstructure:"pollIntervalMs"`
}

// ChatConfig holds durable streaming proxy configuration.
type ChatConfig struct {
	// ProxyURL is the base URL of the durable streaming proxy.
	ProxyURL string `mapstructure:"proxyUrl"`
	// ProxyToken is the optional bearer token sent to the proxy.
	ProxyToken string `mapstructure:"proxyToken"`
	// RequestTimeout is the per-request timeout in seconds (default: 15)
	RequestTimeout int `mapstructure:"requestTimeout"`
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable (default: claude)
	Binary string `mapstructure:"binary"`
	// Model is the default model id passed to the runtime.
	Model string `mapstructure:"model"`
	// PermissionTimeoutMinutes is how long a tool-permission request may stay
	// pending before it is denied (default: 5)
	PermissionTimeoutMinutes int `mapstructure:"permissionTimeoutMinutes"`
	// MaxTurns caps internal tool-use iterations per invocation (default: 25)
	MaxTurns int `mapstructure:"maxTurns"`
	// SessionCachePath is the resumption cache file (default: ~/.agentdesk/sessions.json)
	SessionCachePath string `mapstructure:"sessionCachePath"`
	// SessionCacheSize caps resumption cache entries (default: 1000)
	SessionCacheSize int `mapstructure:"sessionCacheSize"`
	// SessionCacheTTLHours is the resumption entry TTL (default: 24)
	SessionCacheTTLHours int `mapstructure:"sessionCacheTtlHours"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HardTimeout returns the execution ceiling as a time.Duration.
func (e *ExecutionConfig) HardTimeout() time.Duration {
	return time.Duration(e.HardTimeoutMinutes) * time.Minute
}

// PollInterval returns the executor poll interval as a time.Duration.
func (e *ExecutionConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

// PermissionTimeout returns the tool-permission window as a time.Duration.
func (a *AgentConfig) PermissionTimeout() time.Duration {
	return time.Duration(a.PermissionTimeoutMinutes) * time.Minute
}

// SessionCacheTTL returns the resumption cache TTL as a time.Duration.
func (a *AgentConfig) SessionCacheTTL() time.Duration {
	return time.Duration(a.SessionCacheTTLHours) * time.Hour
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8317)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "~/.agentdesk/agentdesk.db")

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdesk")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("worktree.branchPrefix", "agentdesk/")
	v.SetDefault("worktree.dirName", ".worktrees")
	v.SetDefault("worktree.copyConfigFiles", []string{".env", ".env.local"})

	v.SetDefault("execution.maxConcurrent", 10)
	v.SetDefault("execution.hardTimeoutMinutes", 10)
	v.SetDefault("execution.pollIntervalMs", 100)

	v.SetDefault("chat.proxyUrl", "")
	v.SetDefault("chat.proxyToken", "")
	v.SetDefault("chat.requestTimeout", 15)

	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.permissionTimeoutMinutes", 5)
	v.SetDefault("agent.maxTurns", 25)
	v.SetDefault("agent.sessionCachePath", "~/.agentdesk/sessions.json")
	v.SetDefault("agent.sessionCacheSize", 1000)
	v.SetDefault("agent.sessionCacheTtlHours", 24)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDESK_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdesk/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Execution.MaxConcurrent <= 0 {
		errs = append(errs, "execution.maxConcurrent must be positive")
	}
	if cfg.Execution.HardTimeoutMinutes <= 0 {
		errs = append(errs, "execution.hardTimeoutMinutes must be positive")
	}
	if cfg.Execution.PollIntervalMS <= 0 {
		errs = append(errs, "execution.pollIntervalMs must be positive")
	}

	if cfg.Agent.MaxTurns <= 0 {
		errs = append(errs, "agent.maxTurns must be positive")
	}
	if cfg.Agent.SessionCacheSize <= 0 {
		errs = append(errs, "agent.sessionCacheSize must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
