package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig holds the configuration for a single mail account.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	// Email is the account address; key emails are sent to and from it.
	Email string `mapstructure:"email" yaml:"email"`

	// IMAPHost and IMAPPort locate the IMAP server.
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port"`

	// Username is the IMAP login; it defaults to Email.
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS instead of STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// InboxFolder and TrashFolder name the server mailboxes used by the
	// key scanner and the undo reconciler.
	InboxFolder string `mapstructure:"inbox_folder" yaml:"inbox_folder"`
	TrashFolder string `mapstructure:"trash_folder" yaml:"trash_folder"`

	// E3KeyID is the hex id of this device's E3 signing key.
	E3KeyID string `mapstructure:"e3_key_id" yaml:"e3_key_id"`

	// DeviceID identifies this installation in the X-E3-UID header of key
	// emails. It is generated with the device key.
	DeviceID string `mapstructure:"device_id" yaml:"device_id"`

	// PollIntervalSec is how often (in seconds) to scan for key emails.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// SelfID returns the X-E3-UID value of this device, falling back to the
// account id for accounts set up without one.
func (a AccountConfig) SelfID() string {
	if a.DeviceID != "" {
		return a.DeviceID
	}
	return a.ID
}

// Login returns the IMAP username, falling back to the email address.
func (a AccountConfig) Login() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}

// E3Config holds the trust policy for incoming key emails.
type E3Config struct {
	// SkewToleranceMs bounds how far in the future a key email
	// timestamp may lie.
	SkewToleranceMs int64 `mapstructure:"skew_tolerance_ms" yaml:"skew_tolerance_ms"`

	// AcceptUnconfirmed treats valid signatures from keys that were not
	// confirmed by verification phrase as trusted.
	AcceptUnconfirmed bool `mapstructure:"accept_unconfirmed" yaml:"accept_unconfirmed"`
}

// SkewTolerance returns SkewToleranceMs as a duration.
func (c E3Config) SkewTolerance() time.Duration {
	return time.Duration(c.SkewToleranceMs) * time.Millisecond
}

// UndoConfig holds settings for the undo-encryption pipeline.
type UndoConfig struct {
	// BatchSize limits how many messages are decrypted concurrently.
	// Zero puts every discovered message into a single batch.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// DecryptTimeoutSec bounds a single oracle decrypt call.
	DecryptTimeoutSec int `mapstructure:"decrypt_timeout_sec" yaml:"decrypt_timeout_sec"`
}

// DecryptTimeout returns DecryptTimeoutSec as a duration.
func (c UndoConfig) DecryptTimeout() time.Duration {
	return time.Duration(c.DecryptTimeoutSec) * time.Second
}

// StoreConfig locates the local database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	E3       E3Config        `mapstructure:"e3" yaml:"e3"`
	Undo     UndoConfig      `mapstructure:"undo" yaml:"undo"`
	Store    StoreConfig     `mapstructure:"store" yaml:"store"`
	LogLevel string          `mapstructure:"log_level" yaml:"log_level"`
}

// Account returns the account with the given id.
func (c *AppConfig) Account(id string) (AccountConfig, error) {
	for _, a := range c.Accounts {
		if strings.EqualFold(a.ID, id) {
			return a, nil
		}
	}
	return AccountConfig{}, fmt.Errorf("account %q is not configured", id)
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/e3mail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "e3mail", "config.yaml")
}

// defaultStorePath returns ~/.config/e3mail/e3mail.db.
func defaultStorePath() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "e3mail.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Accounts: []AccountConfig{},
		E3: E3Config{
			SkewToleranceMs:   60_000,
			AcceptUnconfirmed: true,
		},
		Undo: UndoConfig{
			BatchSize:         0,
			DecryptTimeoutSec: 120,
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		LogLevel: "info",
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("E3MAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("e3.skew_tolerance_ms", 60_000)
	v.SetDefault("e3.accept_unconfirmed", true)
	v.SetDefault("undo.batch_size", 0)
	v.SetDefault("undo.decrypt_timeout_sec", 120)
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("log_level", "info")

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

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.PollIntervalSec == 0 {
			a.PollIntervalSec = 120
		}
		if a.IMAPPort == "" {
			a.IMAPPort = "993"
		}
		if a.InboxFolder == "" {
			a.InboxFolder = "INBOX"
		}
		if a.TrashFolder == "" {
			a.TrashFolder = "Trash"
		}
		if !a.TLS {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.tls", i)
			if !v.IsSet(key) {
				a.TLS = true
			}
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

	v.Set("accounts", cfg.Accounts)
	v.Set("e3", cfg.E3)
	v.Set("undo", cfg.Undo)
	v.Set("store", cfg.Store)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
