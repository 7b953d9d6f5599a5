package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the optional file at $XDG_CONFIG_HOME/fmha/config.yaml. Pointer
// fields distinguish "not set" from zero values.
type Config struct {
	Arch      string   `yaml:"arch"`
	Workers   *int64   `yaml:"workers"`
	Seed      *int64   `yaml:"seed"`
	LogLevel  string   `yaml:"log_level"`
	LogFormat string   `yaml:"log_format"`
	Tolerance *float64 `yaml:"tolerance"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "fmha", "config.yaml")
}

// LoadConfig reads the config file. A missing or malformed file yields a
// zero Config.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	cfg, err := readConfig(path)
	if err != nil {
		return Config{}
	}
	return cfg
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyGlobalConfig copies config defaults into flag variables the user did
// not set explicitly.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.Arch != "" && !c.IsSet("arch") {
		archName = cfg.Arch
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.Tolerance != nil {
		configTolerance = cfg.Tolerance
	}
}
