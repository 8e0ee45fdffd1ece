package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// MailboxConfig holds the connection settings for one IMAP mailbox.
// The password is never stored here; it is retrieved from the secret
// store at call time under the key "mailbox:<id>".
type MailboxConfig struct {
	// ID is the unique identifier for this mailbox entry.
	ID string `mapstructure:"id" yaml:"id"`

	// Host and Port locate the IMAP server.
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`

	// Username is the IMAP login name.
	Username string `mapstructure:"username" yaml:"username"`

	// UseTLS selects implicit TLS; otherwise STARTTLS is attempted.
	UseTLS bool `mapstructure:"use_tls" yaml:"use_tls"`

	// ArchiveFolder, when set, receives successfully processed
	// messages. Empty disables archiving for this mailbox.
	ArchiveFolder string `mapstructure:"archive_folder" yaml:"archive_folder"`

	// FetchLimit caps how many unseen messages one run fetches.
	FetchLimit int `mapstructure:"fetch_limit" yaml:"fetch_limit"`
}

// LLMConfig holds settings for the extraction gateway.
type LLMConfig struct {
	GatewayURL  string  `mapstructure:"gateway_url" yaml:"gateway_url"`
	Model       string  `mapstructure:"model" yaml:"model"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	TimeoutSec  int     `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// Timeout returns the per-call LLM deadline.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ProfileConfig carries the per-user preferences fed into extraction
// prompts.
type ProfileConfig struct {
	Interests      []string `mapstructure:"interests" yaml:"interests"`
	ApprovedTopics []string `mapstructure:"approved_topics" yaml:"approved_topics"`
}

// SyncConfig controls run scheduling and per-user throttling.
type SyncConfig struct {
	IntervalSec        int `mapstructure:"interval_sec" yaml:"interval_sec"`
	ImportsPerHour     int `mapstructure:"imports_per_hour" yaml:"imports_per_hour"`
	ExtractionsPerHour int `mapstructure:"extractions_per_hour" yaml:"extractions_per_hour"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	UserID    string          `mapstructure:"user_id" yaml:"user_id"`
	Mailboxes []MailboxConfig `mapstructure:"mailboxes" yaml:"mailboxes"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Profile   ProfileConfig   `mapstructure:"profile" yaml:"profile"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	LogFile   string          `mapstructure:"log_file" yaml:"log_file"`
	DBPath    string          `mapstructure:"db_path" yaml:"db_path"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/signalsift/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "signalsift", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	return &AppConfig{
		UserID: "default",
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
			TimeoutSec:  60,
		},
		Sync: SyncConfig{
			IntervalSec:        900,
			ImportsPerHour:     12,
			ExtractionsPerHour: 60,
		},
		LogFile: filepath.Join(home, ".config", "signalsift", "signalsift.log"),
		DBPath:  filepath.Join(home, ".config", "signalsift", "signalsift.db"),
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("user_id", "default")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout_sec", 60)
	v.SetDefault("sync.interval_sec", 900)
	v.SetDefault("sync.imports_per_hour", 12)
	v.SetDefault("sync.extractions_per_hour", 60)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Mailboxes {
		if cfg.Mailboxes[i].Port == "" {
			if cfg.Mailboxes[i].UseTLS {
				cfg.Mailboxes[i].Port = "993"
			} else {
				cfg.Mailboxes[i].Port = "143"
			}
		}
		if cfg.Mailboxes[i].FetchLimit <= 0 {
			cfg.Mailboxes[i].FetchLimit = 50
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("user_id", cfg.UserID)
	v.Set("mailboxes", cfg.Mailboxes)
	v.Set("llm", cfg.LLM)
	v.Set("profile", cfg.Profile)
	v.Set("sync", cfg.Sync)
	v.Set("log_file", cfg.LogFile)
	v.Set("db_path", cfg.DBPath)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
