package relay

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrInvalidConfig is wrapped by Config.Validate failures.
var ErrInvalidConfig = errors.New("invalid relay config")

// Config holds the relay settings. Target host and port are fixed for the
// lifetime of the process.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	TargetHost      string        `mapstructure:"target_host"`
	TargetPort      int           `mapstructure:"target_port"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the default relay configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		TargetHost:      "192.168.1.74",
		TargetPort:      35000,
		MaxAttempts:     3,
		RetryDelay:      2 * time.Second,
		DialTimeout:     10 * time.Second,
		ReadBufferSize:  4096,
		ShutdownTimeout: 5 * time.Second,
	}
}

// TargetAddr returns host:port of the diagnostic target.
func (c Config) TargetAddr() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// Validate checks the settings the relay cannot run without.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalidConfig)
	}
	if c.TargetHost == "" {
		return fmt.Errorf("%w: target host is empty", ErrInvalidConfig)
	}
	if c.TargetPort < 1 || c.TargetPort > 65535 {
		return fmt.Errorf("%w: target port %d out of range", ErrInvalidConfig, c.TargetPort)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfig)
	}
	if c.RetryDelay < 0 || c.DialTimeout <= 0 {
		return fmt.Errorf("%w: retry delay and dial timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}
