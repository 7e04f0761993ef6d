// Package config loads simptcpd's configuration from the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// globalConfig stores the configuration loaded with command-line overrides.
// This allows other packages to access the same configuration that was
// loaded by the server.
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Protocol ProtocolConfig `json:"protocol"`
	Metrics  MetricsConfig  `json:"metrics"`
	Secure   SecureConfig   `json:"secure"`
	Diag     DiagConfig     `json:"diag"`
	Logging  LoggingConfig  `json:"logging"`
}

// LoadOptions holds command-line override options.
type LoadOptions struct {
	Host     string
	Port     string
	LogLevel string
}

// ServerConfig holds the UDP listener's address.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port string `json:"port" env:"SERVER_PORT,default=15000"`
}

// ProtocolConfig holds the socket-table and state-machine policy knobs.
type ProtocolConfig struct {
	MaxOpenSock     int           `json:"maxOpenSock" env:"MAX_OPEN_SOCK,default=64"`
	AcceptBacklog   int           `json:"acceptBacklog" env:"ACCEPT_BACKLOG,default=8"`
	BaseRTO         time.Duration `json:"baseRTO" env:"BASE_RTO,default=1s"`
	RetransmitLimit int           `json:"retransmitLimit" env:"RETRANSMIT_LIMIT,default=5"`
	MSL             time.Duration `json:"msl" env:"MSL,default=1s"`
}

// MetricsConfig holds the Prometheus exporter's listener settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED,default=true"`
	Addr    string `json:"addr" env:"METRICS_ADDR,default=:9090"`
}

// SecureConfig holds the optional DTLS-wrapped datagram channel's settings.
type SecureConfig struct {
	Enabled     bool   `json:"enabled" env:"SECURE_ENABLED,default=false"`
	CertFile    string `json:"certFile" env:"SECURE_CERT_FILE,default="`
	KeyFile     string `json:"keyFile" env:"SECURE_KEY_FILE,default="`
	InsecureSkipVerify bool `json:"insecureSkipVerify" env:"SECURE_SKIP_VERIFY,default=false"`
}

// DiagConfig holds the websocket diagnostics feed's listener settings.
type DiagConfig struct {
	Enabled bool   `json:"enabled" env:"DIAG_ENABLED,default=true"`
	Addr    string `json:"addr" env:"DIAG_ADDR,default=:8081"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `json:"level" env:"LOG_LEVEL,default=info"`
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with command-line overrides applied
// on top of whatever go-envconfig resolved from the environment.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != "" {
		cfg.Server.Port = opts.Port
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = &cfg
	configMutex.Unlock()

	return &cfg, nil
}

// GetGlobalConfig returns the globally stored configuration. Used by
// packages that need access to the configuration loaded by the server.
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if c.Protocol.MaxOpenSock <= 0 {
		return fmt.Errorf("max open sockets must be positive")
	}
	if c.Protocol.AcceptBacklog <= 0 {
		return fmt.Errorf("accept backlog must be positive")
	}
	if c.Protocol.BaseRTO <= 0 {
		return fmt.Errorf("base RTO must be positive")
	}
	if c.Protocol.RetransmitLimit <= 0 {
		return fmt.Errorf("retransmit limit must be positive")
	}
	if c.Protocol.MSL <= 0 {
		return fmt.Errorf("MSL must be positive")
	}

	if c.Secure.Enabled {
		if c.Secure.CertFile == "" || c.Secure.KeyFile == "" {
			return fmt.Errorf("secure certificate and key files must be specified when the secure channel is enabled")
		}
		if _, err := os.Stat(c.Secure.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("secure certificate file does not exist: %s", c.Secure.CertFile)
		}
		if _, err := os.Stat(c.Secure.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("secure key file does not exist: %s", c.Secure.KeyFile)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
