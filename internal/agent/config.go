package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls the Sync Agent. Values come from the optional YAML config
// file and CLI flags; zero values fall back to defaults via applyDefaults.
type Config struct {
	RelayURL        string
	APIKey          string
	Interval        time.Duration
	RequestTimeout  time.Duration
	BatchLimit      int
	MaxAttempts     int // pipeline failures before dead-letter; 0 selects the default, negative retries forever
	DataDir         string
	PipelineCommand string
	PipelineArgs    []string
}

// fileConfig is the on-disk YAML shape. Durations are strings ("30s", "5m").
type fileConfig struct {
	RelayURL       string `yaml:"relay_url"`
	APIKey         string `yaml:"api_key"`
	Interval       string `yaml:"interval"`
	RequestTimeout string `yaml:"request_timeout"`
	BatchLimit     int    `yaml:"batch_limit"`
	MaxAttempts    int    `yaml:"max_attempts"`
	DataDir        string `yaml:"data_dir"`
	Pipeline       struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
	} `yaml:"pipeline"`
}

// LoadConfig reads an agent config file. A missing path returns a zero Config
// so flags and defaults can take over.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read agent config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse agent config: %w", err)
	}

	cfg.RelayURL = fc.RelayURL
	cfg.APIKey = fc.APIKey
	cfg.BatchLimit = fc.BatchLimit
	cfg.MaxAttempts = fc.MaxAttempts
	cfg.DataDir = fc.DataDir
	cfg.PipelineCommand = fc.Pipeline.Command
	cfg.PipelineArgs = fc.Pipeline.Args

	if fc.Interval != "" {
		d, err := time.ParseDuration(fc.Interval)
		if err != nil {
			return cfg, fmt.Errorf("parse interval: %w", err)
		}
		cfg.Interval = d
	}
	if fc.RequestTimeout != "" {
		d, err := time.ParseDuration(fc.RequestTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	return cfg, nil
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	switch {
	case c.MaxAttempts == 0:
		c.MaxAttempts = 5
	case c.MaxAttempts < 0:
		c.MaxAttempts = 0 // retry forever
	}
}
