// Package config loads the YAML configuration of the hpfeeds programs.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	hpfeeds "github.com/d1str0/go-hpfeeds"
)

// Config is the configuration of the broker and its companion tools.
type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Limits LimitsConfig `yaml:"limits"`
	Log    LogConfig    `yaml:"log"`
	NATS   NATSConfig   `yaml:"nats"`

	// Identities is the path of the identstore YAML file.
	Identities string `yaml:"identities"`
}

// BrokerConfig describes the listening side of the broker.
type BrokerConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the address in host:port form.
func (c BrokerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LimitsConfig bounds what a single connection may do.
type LimitsConfig struct {
	MaxPayload      int           `yaml:"max_payload"`
	NonceSize       int           `yaml:"nonce_size"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxQueuedBytes  int           `yaml:"max_queued_bytes"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // empty logs to stderr
}

// NATSConfig configures the NATS relay.
type NATSConfig struct {
	URLs          []string      `yaml:"urls"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Name: hpfeeds.DefaultBrokerName,
			Host: "0.0.0.0",
			Port: hpfeeds.DefaultPort,
		},
		Limits: LimitsConfig{
			MaxPayload:     hpfeeds.DefaultMaxPayload,
			NonceSize:      hpfeeds.DefaultNonceSize,
			MaxConnections: 10000,
			MaxQueuedBytes: hpfeeds.DefaultMaxQueuedBytes,
			AuthTimeout:    hpfeeds.DefaultAuthTimeout,
			WriteTimeout:   hpfeeds.DefaultWriteTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			SubjectPrefix: "hpfeeds",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
	}
}

// Load reads the YAML file at path on top of Default and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the broker cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid broker port: %d", c.Broker.Port))
	}
	if c.Broker.Name == "" {
		errs = append(errs, errors.New("broker.name is required"))
	}
	if len(c.Broker.Name) > hpfeeds.MaxFieldLen {
		errs = append(errs, fmt.Errorf("broker.name longer than %d bytes", hpfeeds.MaxFieldLen))
	}

	if c.Limits.MaxPayload < 1 {
		errs = append(errs, errors.New("limits.max_payload must be positive"))
	}
	if c.Limits.NonceSize < hpfeeds.MinNonceSize {
		errs = append(errs, fmt.Errorf("limits.nonce_size must be at least %d", hpfeeds.MinNonceSize))
	}
	// INFO carries the name and nonce and has a fixed size limit.
	infoLen := hpfeeds.HeaderSize + 1 + len(c.Broker.Name) + c.Limits.NonceSize
	if infoLen > hpfeeds.DefaultLimits.MaxFrameLen(hpfeeds.OpInfo) {
		errs = append(errs, errors.New("broker.name and limits.nonce_size do not fit an INFO frame"))
	}
	if c.Limits.MaxConnections < 0 {
		errs = append(errs, errors.New("limits.max_connections must not be negative"))
	}
	if c.Limits.RateLimitPerSec < 0 {
		errs = append(errs, errors.New("limits.rate_limit_per_sec must not be negative"))
	}
	if c.Limits.AuthTimeout <= 0 {
		errs = append(errs, errors.New("limits.auth_timeout must be positive"))
	}
	if c.Limits.WriteTimeout <= 0 {
		errs = append(errs, errors.New("limits.write_timeout must be positive"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// NewBroker returns a broker configured from c.
func (c *Config) NewBroker(db hpfeeds.Identifier) *hpfeeds.Broker {
	return &hpfeeds.Broker{
		Name:           c.Broker.Name,
		Addr:           c.Broker.Addr(),
		DB:             db,
		MaxPayload:     c.Limits.MaxPayload,
		NonceSize:      c.Limits.NonceSize,
		AuthTimeout:    c.Limits.AuthTimeout,
		WriteTimeout:   c.Limits.WriteTimeout,
		MaxQueuedBytes: c.Limits.MaxQueuedBytes,
		MaxConnections: c.Limits.MaxConnections,
		RateLimit:      c.Limits.RateLimitPerSec,
		RateBurst:      c.Limits.RateLimitBurst,
	}
}
