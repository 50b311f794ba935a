package config

import (
	"os"
	"path/filepath"

	"gemcli/errors"
	"gopkg.in/yaml.v3"
)

// Settings are the user-tunable knobs. Zero values are replaced by
// defaults in LoadConfig so a partial YAML file stays valid.
type Settings struct {
	DefaultModel        string  `yaml:"default_model"`
	Temperature         float64 `yaml:"temperature"`
	MaxRounds           int     `yaml:"max_rounds"`
	AutoSaveSession     bool    `yaml:"auto_save_session"`
	CommandTimeoutSec   int     `yaml:"command_timeout_sec"`
	HistoryPreviewChars int     `yaml:"history_preview_chars"`
}

type Config struct {
	Settings Settings `yaml:"settings"`

	// BridgeCommand launches the OAuth bridge subprocess, e.g.
	// ["node", "bridge.mjs"]. Empty disables the bridge transport.
	BridgeCommand []string `yaml:"bridge_command"`

	// DangerousCommandPatterns are regular expressions screened against
	// every run_command invocation.
	DangerousCommandPatterns []string `yaml:"dangerous_command_patterns"`

	configDir string
}

// HardRoundLimit caps tool-call rounds per user turn. max_rounds may lower
// it but never raise it: a turn that is still issuing function calls after
// this many rounds is terminated with RoundLimitExceeded.
const HardRoundLimit = 30

func defaults() Config {
	return Config{
		Settings: Settings{
			DefaultModel:        "gemini-2.5-flash",
			Temperature:         0.3,
			MaxRounds:           HardRoundLimit,
			AutoSaveSession:     true,
			CommandTimeoutSec:   120,
			HistoryPreviewChars: 1000,
		},
		DangerousCommandPatterns: []string{
			`(?i)\brm\b.*\s-\w*r\w*f`,
			`(?i)\bmkfs\b`,
			`(?i)\bdd\b.*\bof=/dev/`,
			`(?i)\bshutdown\b`,
			`(?i)\breboot\b`,
			`(?i):\(\)\s*\{.*\};\s*:`,
		},
	}
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	home, err := os.UserHomeDir()
	if err == nil {
		cfg.configDir = filepath.Join(home, ".gemcli")
		userConfigPath := filepath.Join(cfg.configDir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, &cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".gemcli", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, &cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.clamp()
	return &cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives a simple
	// merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) clamp() {
	if c.Settings.MaxRounds < 1 || c.Settings.MaxRounds > HardRoundLimit {
		c.Settings.MaxRounds = HardRoundLimit
	}
	if c.Settings.Temperature < 0 || c.Settings.Temperature > 2 {
		c.Settings.Temperature = 0.3
	}
	if c.Settings.CommandTimeoutSec < 1 {
		c.Settings.CommandTimeoutSec = 120
	}
	if c.Settings.HistoryPreviewChars < 100 {
		c.Settings.HistoryPreviewChars = 1000
	}
	if c.Settings.DefaultModel == "" {
		c.Settings.DefaultModel = "gemini-2.5-flash"
	}
}

// ConfigDir is the user-scoped directory holding sessions, the permission
// table, logs and saved credentials. It is created on demand.
func (c *Config) ConfigDir() (string, error) {
	if c.configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrapf(err, "could not resolve home directory")
		}
		c.configDir = filepath.Join(home, ".gemcli")
	}
	if err := os.MkdirAll(c.configDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "could not create config directory")
	}
	return c.configDir, nil
}

// SessionsDir returns the directory session files are stored in.
func (c *Config) SessionsDir() (string, error) {
	dir, err := c.ConfigDir()
	if err != nil {
		return "", err
	}
	sessions := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessions, 0o755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return sessions, nil
}

// Save writes the configuration back to the user-level config file.
func (c *Config) Save() error {
	dir, err := c.ConfigDir()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize config")
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644)
}
