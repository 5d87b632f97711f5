// Package config resolves the agent configuration from defaults, an optional
// YAML file, environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146
)

// Config holds the runtime configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Reader pins provisioning to one PC/SC reader. Empty means any reader.
	Reader string `yaml:"reader"`

	// StatePath is the settings file holding has_written_tag.
	StatePath string `yaml:"statePath"`

	// JournalPath is the CBOR attempt journal. Empty disables the journal.
	JournalPath string `yaml:"journalPath"`

	LogLevel  string `yaml:"logLevel"`
	SentryDSN string `yaml:"sentryDsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Host:     DefaultHost,
		Port:     DefaultPort,
		LogLevel: "info",
	}
	if dir, err := os.UserConfigDir(); err == nil {
		cfg.StatePath = filepath.Join(dir, "friedn-agent", "settings.json")
		cfg.JournalPath = filepath.Join(dir, "friedn-agent", "journal.cbor")
	}
	return cfg
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty; FRIEDN_AGENT_CONFIG is used otherwise) and environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("FRIEDN_AGENT_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FRIEDN_AGENT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("FRIEDN_AGENT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FRIEDN_AGENT_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("FRIEDN_AGENT_READER"); v != "" {
		c.Reader = v
	}
	if v := os.Getenv("FRIEDN_AGENT_STATE"); v != "" {
		c.StatePath = v
	}
	if v, ok := os.LookupEnv("FRIEDN_AGENT_JOURNAL"); ok {
		c.JournalPath = v
	}
	if v := os.Getenv("FRIEDN_AGENT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// BindFlags registers flags that override the loaded values when set.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "Host to bind to")
	fs.IntVar(&c.Port, "port", c.Port, "Port to listen on")
	fs.StringVar(&c.Reader, "reader", c.Reader, "PC/SC reader to use (default: any)")
	fs.StringVar(&c.StatePath, "state", c.StatePath, "Path of the settings file")
	fs.StringVar(&c.JournalPath, "journal", c.JournalPath, "Path of the attempt journal (empty disables it)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Minimum log level (debug, info, warn, error)")
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	if c.StatePath == "" {
		errs = append(errs, errors.New("state path must not be empty"))
	}
	return errors.Join(errs...)
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
