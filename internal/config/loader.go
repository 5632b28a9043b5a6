package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".teamrelay"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file. TEAMRELAY_CONFIG
// overrides the default location.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("TEAMRELAY_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	// If file doesn't exist, continue with defaults

	// Override with environment variables for each group
	envconfig.Process("TEAMRELAY_ACCOUNTS_USER", &cfg.Accounts.User)
	envconfig.Process("TEAMRELAY_ACCOUNTS_ASSISTANT", &cfg.Accounts.Assistant)
	envconfig.Process("TEAMRELAY_TEAM", &cfg.Team)
	envconfig.Process("TEAMRELAY_BACKEND", &cfg.Backend)
	envconfig.Process("TEAMRELAY_CONTROL", &cfg.Control)
	envconfig.Process("TEAMRELAY_ENGINE", &cfg.Engine)
	envconfig.Process("TEAMRELAY_JOURNAL", &cfg.Journal)
	envconfig.Process("TEAMRELAY_FIREHOSE", &cfg.Firehose)

	// Expand ~ in paths
	expandHome := func(p *string) {
		if strings.HasPrefix(*p, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				*p = filepath.Join(home, (*p)[1:])
			}
		}
	}
	expandHome(&cfg.Accounts.User.StorePath)
	expandHome(&cfg.Accounts.Assistant.StorePath)
	expandHome(&cfg.Journal.Path)

	if cfg.Engine.ReconnectMaxAttempts <= 0 {
		cfg.Engine.ReconnectMaxAttempts = 10
	}
	if cfg.Engine.PollCacheSize <= 0 {
		cfg.Engine.PollCacheSize = 100
	}

	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
