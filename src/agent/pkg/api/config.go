package api

import (
	"fmt"
	"time"
)

// Config holds the admin API server configuration. The zero value is
// not usable; start from DefaultConfig and override per flag.
type Config struct {
	// Host is the bind address. The default binds loopback only; the
	// admin surface carries no authentication of its own.
	Host string `json:"host" yaml:"host"`

	// Port is the HTTP port to listen on
	Port int `json:"port" yaml:"port"`

	// ReadTimeout bounds reading one request, header through body
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds writing one response
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout bounds a keep-alive connection between requests
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout bounds the graceful drain of in-flight requests
	// on Stop
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `json:"enable_cors" yaml:"enable_cors"`

	// LogLevel sets the log level for the API server (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultConfig returns default API configuration
func DefaultConfig() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            8080,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		EnableCORS:      true,
		LogLevel:        "info",
	}
}
