// Package config loads gateway settings from environment variables.
package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int
	ReadTimeout  int // seconds
	WriteTimeout int // seconds; 0 disables the write deadline (required for SSE)
}

// ReadTimeoutDuration returns the read timeout as a duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string
	Format string
}

// SessionsConfig holds session persistence settings. When DSN is set the
// postgres store is used; otherwise DBPath selects the sqlite store; when
// both are empty history is kept in memory.
type SessionsConfig struct {
	DBPath string
	DSN    string
}

// Config is the root gateway configuration, sourced from ACP2_* environment
// variables.
type Config struct {
	Server       ServerConfig
	Logging      LoggingConfig
	Sessions     SessionsConfig
	AuthToken    string
	AgentsConfig string
	WorkDir      string
	NATSURL      string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ACP2")
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("read_timeout", 30)
	// SSE streams are long-lived; never impose a write deadline by default.
	v.SetDefault("write_timeout", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("agents_config", "config/agents.json")

	workDir := v.GetString("workdir")
	if workDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workDir = cwd
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetInt("port"),
			ReadTimeout:  v.GetInt("read_timeout"),
			WriteTimeout: v.GetInt("write_timeout"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		Sessions: SessionsConfig{
			DBPath: v.GetString("sessions_db"),
			DSN:    v.GetString("sessions_dsn"),
		},
		AuthToken:    v.GetString("auth_token"),
		AgentsConfig: v.GetString("agents_config"),
		WorkDir:      workDir,
		NATSURL:      v.GetString("nats_url"),
	}

	return cfg, nil
}
