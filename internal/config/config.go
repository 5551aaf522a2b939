// Package config loads the YAML configuration the CLI driver reads to
// locate a peer, pick a table backend, and set session timeouts —
// ambient infrastructure outside the protocol core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable configuration for one party's CLI session.
type Config struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	Peer struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"peer"`

	Table struct {
		// Type is one of "memory", "csv", "postgres".
		Type     string   `yaml:"type"`
		Filename string   `yaml:"filename"`
		Fields   []string `yaml:"fields"`

		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		DBTable  string `yaml:"table"`
	} `yaml:"table"`

	Timeouts struct {
		ConnectionTimeout time.Duration `yaml:"connection_timeout"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		// AcceptPoll is how often B's accept loop checks the shutdown
		// flag; a stop request is observed within one interval.
		AcceptPoll time.Duration `yaml:"accept_poll"`
	} `yaml:"timeouts"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// SetDefaults fills in reasonable defaults for any fields left zero after
// loading.
func (c *Config) SetDefaults() {
	if c.ListenHost == "" {
		c.ListenHost = "0.0.0.0"
	}
	if c.Table.Type == "" {
		c.Table.Type = "memory"
	}
	if c.Timeouts.ConnectionTimeout == 0 {
		c.Timeouts.ConnectionTimeout = 30 * time.Second
	}
	if c.Timeouts.ReadTimeout == 0 {
		c.Timeouts.ReadTimeout = 60 * time.Second
	}
	if c.Timeouts.WriteTimeout == 0 {
		c.Timeouts.WriteTimeout = 60 * time.Second
	}
	if c.Timeouts.AcceptPoll == 0 {
		c.Timeouts.AcceptPoll = 1 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}
