// Package config loads settings from .william.yaml. It does not merge them
// with CLI flags; the caller decides which loaded values to apply.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the settings from .william.yaml.
type Config struct {
	Model         string   `yaml:"model"`
	MaxBudget     float64  `yaml:"maxBudget"`
	MaxTurns      int      `yaml:"maxTurns"`
	MaxIterations int      `yaml:"maxIterations"`
	SleepMs       int      `yaml:"sleepMs"`
	AllowedTools  []string `yaml:"allowedTools"`
	Adapter       string   `yaml:"adapter"`
	Port          int      `yaml:"port"`
}

// DefaultConfigFile is the name of the config file Load looks for in the directory it is given.
const DefaultConfigFile = ".william.yaml"

// Load reads the config file from the given directory. If the file does not
// exist, it returns a zero-value Config and no error.
func Load(dir string) (Config, error) {
	path := filepath.Join(dir, DefaultConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
