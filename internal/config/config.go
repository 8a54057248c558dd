// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail builder.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort    = 25
	defaultTimeout = 60 * time.Second
	defaultCharset = "UTF-8"
)

// Config holds the complete application configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Message   MessageConfig   `yaml:"message"`
	Provider  string          `yaml:"provider"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TransportConfig holds the values copied onto every built message.
// Durations are written as Go duration strings such as "30s".
type TransportConfig struct {
	Host                    string        `yaml:"host"`
	Port                    int           `yaml:"port"`
	SocketConnectionTimeout time.Duration `yaml:"connect_timeout"`
	SocketTimeout           time.Duration `yaml:"socket_timeout"`
}

// MessageConfig holds message defaults.
type MessageConfig struct {
	From    string `yaml:"from"`
	Charset string `yaml:"charset"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// SESConfigured returns true if an SES region is set. Credentials may come
// from the default AWS chain instead of the config.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Transport.Port = defaultPort
	c.Transport.SocketConnectionTimeout = defaultTimeout
	c.Transport.SocketTimeout = defaultTimeout
	c.Message.Charset = defaultCharset
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values. Values
// that fail to parse are logged and ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAIL_HOST"); v != "" {
		c.Transport.Host = v
	}
	if v := os.Getenv("MAIL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Transport.Port = port
		} else {
			slog.Warn("ignoring invalid MAIL_PORT", "value", v, "error", err)
		}
	}
	if v := os.Getenv("MAIL_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Transport.SocketConnectionTimeout = d
		} else {
			slog.Warn("ignoring invalid MAIL_CONNECT_TIMEOUT", "value", v, "error", err)
		}
	}
	if v := os.Getenv("MAIL_SOCKET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Transport.SocketTimeout = d
		} else {
			slog.Warn("ignoring invalid MAIL_SOCKET_TIMEOUT", "value", v, "error", err)
		}
	}

	if v := os.Getenv("MAIL_FROM"); v != "" {
		c.Message.From = v
	}
	if v := os.Getenv("MAIL_CHARSET"); v != "" {
		c.Message.Charset = v
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
