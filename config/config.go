package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend         string            `mapstructure:"backend"`
	TimeoutMs       int               `mapstructure:"timeout_ms"`
	MemoryLimitMB   int               `mapstructure:"memory_limit_mb"`
	CPULimit        float64           `mapstructure:"cpu_limit"`
	PidsLimit       int               `mapstructure:"pids_limit"`
	NetworkEnabled  bool              `mapstructure:"network_enabled"`
	ContainerEngine string            `mapstructure:"container_engine"`
	ContainerImage  string            `mapstructure:"container_image"`
	CloudAPIURL     string            `mapstructure:"cloud_api_url"`
	CloudAPIKey     string            `mapstructure:"cloud_api_key"`
	CloudTemplate   string            `mapstructure:"cloud_template"`
	WorkDir         string            `mapstructure:"work_dir"`
	Env             map[string]string `mapstructure:"env"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment overrides, e.g. SHELLBOX_SANDBOX_CLOUD_API_KEY
	viper.SetEnvPrefix("shellbox")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("sandbox.backend", "container")
	viper.SetDefault("sandbox.timeout_ms", 30000)
	viper.SetDefault("sandbox.memory_limit_mb", 512)
	viper.SetDefault("sandbox.cpu_limit", 1.0)
	viper.SetDefault("sandbox.pids_limit", 128)
	viper.SetDefault("sandbox.network_enabled", false)
	viper.SetDefault("sandbox.container_engine", "docker")
	viper.SetDefault("sandbox.container_image", "alpine:latest")
	viper.SetDefault("sandbox.cloud_api_url", "")
	viper.SetDefault("sandbox.cloud_api_key", "")
	viper.SetDefault("sandbox.cloud_template", "base")
	viper.SetDefault("sandbox.work_dir", "/sandbox")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	supportedBackends := map[string]bool{
		"restricted_process": true,
		"container":          true,
		"cloud_vm":           true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.TimeoutMs <= 0 {
		return fmt.Errorf("sandbox.timeout_ms must be positive, got: %d", c.Sandbox.TimeoutMs)
	}

	if c.Sandbox.MemoryLimitMB <= 0 {
		return fmt.Errorf("sandbox.memory_limit_mb must be positive, got: %d", c.Sandbox.MemoryLimitMB)
	}

	if c.Sandbox.CPULimit <= 0 {
		return fmt.Errorf("sandbox.cpu_limit must be positive, got: %g", c.Sandbox.CPULimit)
	}

	if c.Sandbox.ContainerEngine != "docker" && c.Sandbox.ContainerEngine != "podman" {
		return fmt.Errorf("unsupported sandbox.container_engine: %s", c.Sandbox.ContainerEngine)
	}

	if !strings.HasPrefix(c.Sandbox.WorkDir, "/") {
		return fmt.Errorf("sandbox.work_dir must be absolute, got: %s", c.Sandbox.WorkDir)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutMs) * time.Millisecond
}
