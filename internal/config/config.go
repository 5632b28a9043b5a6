// Package config provides configuration types and loading for teamrelay.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Accounts, Team, Backend, Control, Engine, Journal,
// Firehose.
type Config struct {
	Accounts AccountsConfig `json:"accounts"`
	Team     TeamConfig     `json:"team"`
	Backend  BackendConfig  `json:"backend"`
	Control  ControlConfig  `json:"control"`
	Engine   EngineConfig   `json:"engine"`
	Journal  JournalConfig  `json:"journal"`
	Firehose FirehoseConfig `json:"firehose"`
}

// AccountsConfig holds the two messaging accounts. The user account is the
// primary; the assistant account is optional.
type AccountsConfig struct {
	User      AccountConfig `json:"user"`
	Assistant AccountConfig `json:"assistant"`
}

// AccountConfig configures a single messaging account.
type AccountConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	StorePath string `json:"storePath" envconfig:"STORE_PATH"`
}

// TeamConfig describes the approval group.
type TeamConfig struct {
	Subject      string   `json:"subject" envconfig:"SUBJECT"`
	Participants []string `json:"participants"`
}

// BackendConfig points at the response backend.
type BackendConfig struct {
	BaseURL   string        `json:"baseUrl" envconfig:"BASE_URL"`
	AuthToken string        `json:"authToken" envconfig:"AUTH_TOKEN"`
	Timeout   time.Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// ControlConfig configures the local control HTTP surface.
type ControlConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// EngineConfig tunes session and dispatch behaviour.
type EngineConfig struct {
	ReconnectMaxAttempts int           `json:"reconnectMaxAttempts" envconfig:"RECONNECT_MAX_ATTEMPTS"`
	ReconnectDelay       time.Duration `json:"reconnectDelay" envconfig:"RECONNECT_DELAY"`
	StartupRetryDelay    time.Duration `json:"startupRetryDelay" envconfig:"STARTUP_RETRY_DELAY"`
	DispatchTimeout      time.Duration `json:"dispatchTimeout" envconfig:"DISPATCH_TIMEOUT"`
	PollCacheSize        int           `json:"pollCacheSize" envconfig:"POLL_CACHE_SIZE"`
}

// JournalConfig configures the local activity journal.
type JournalConfig struct {
	Path string `json:"path" envconfig:"PATH"`
}

// FirehoseConfig configures the optional Kafka event mirror.
type FirehoseConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Accounts: AccountsConfig{
			User: AccountConfig{
				Enabled:   true,
				StorePath: "~/.teamrelay/user.db",
			},
			Assistant: AccountConfig{
				StorePath: "~/.teamrelay/assistant.db",
			},
		},
		Team: TeamConfig{
			Subject: "Assistant Team",
		},
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8787",
			Timeout: 30 * time.Second,
		},
		Control: ControlConfig{
			Host: "127.0.0.1", // Secure default
			Port: 8790,
		},
		Engine: EngineConfig{
			ReconnectMaxAttempts: 10,
			ReconnectDelay:       5 * time.Second,
			StartupRetryDelay:    15 * time.Second,
			DispatchTimeout:      25 * time.Second,
			PollCacheSize:        100,
		},
		Journal: JournalConfig{
			Path: "~/.teamrelay/journal.db",
		},
		Firehose: FirehoseConfig{
			Topic: "teamrelay.events",
		},
	}
}
